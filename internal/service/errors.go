package service

import "errors"

var (
	// 预占
	ErrInvalidInput          = errors.New("参数不合法")
	ErrInsufficientCredits   = errors.New("积分不足")
	ErrPlatformPoolDepleted  = errors.New("平台积分池已耗尽")
	ErrPoolSuspended         = errors.New("平台积分池已停用")
	ErrRefillPendingApproval = errors.New("积分池采购单等待人工审批")
	ErrPurchaseProcessed     = errors.New("采购单已处理")

	// 结算
	ErrTaskNotFound      = errors.New("任务不存在")
	ErrDuplicateCallback = errors.New("任务已结算，重复回调")
	ErrIllegalTransition = errors.New("非法的任务状态迁移")
	ErrStorageWrite      = errors.New("结果文件持久化失败")
	ErrRefundProcessing  = errors.New("退款处理失败")
)

package repository

import "errors"

var (
	// ErrInsufficientBalance 条件扣减未命中任何行
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStaleState 条件更新时行状态已被并发修改
	ErrStaleState = errors.New("row state changed concurrently")
)

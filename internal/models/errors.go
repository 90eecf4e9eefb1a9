package models

import "errors"

// 错误分类：调用方通过 errors.Is 判断
var (
	// ErrValidation 遥测数据格式错误（缺少 id、坐标越界、未知技术类型等），在接入边界拒绝
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition 报警状态流转不合法
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound 实体或报警不存在
	ErrNotFound = errors.New("not found")
	// ErrConfig 电子围栏配置错误，保留上一次有效配置
	ErrConfig = errors.New("config error")
)

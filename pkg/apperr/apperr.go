// Package apperr 定义了生命周期引擎内部使用的错误类别，并负责把它们映射到 HTTP 状态码。
package apperr

import (
	"errors"
	"net/http"

	"github.com/zeebo/errs"
	"gorm.io/gorm"
)

var (
	// InvalidInput 边界处缺失或格式错误的参数。
	InvalidInput = errs.Class("invalid-input")
	// NotFound 未知的研究或修订。
	NotFound = errs.Class("not-found")
	// Unauthorised 缺失或无效的 token。
	Unauthorised = errs.Class("unauthorised")
	// Forbidden 已认证但缺少所需 scope。
	Forbidden = errs.Class("forbidden")
	// Conflict 状态机冲突，或任务账本忙。
	Conflict = errs.Class("conflict")
	// DB 注册表写入失败。
	DB = errs.Class("db-error")
	// FileOp 目录维护失败。
	FileOp = errs.Class("file-op-error")
	// External 验证服务、镜像同步等外部依赖失败。
	External = errs.Class("external-error")
)

type kindEntry struct {
	class  *errs.Class
	status int
}

var kinds = []kindEntry{
	{&InvalidInput, http.StatusBadRequest},
	{&NotFound, http.StatusNotFound},
	{&Unauthorised, http.StatusUnauthorized},
	{&Forbidden, http.StatusForbidden},
	{&Conflict, http.StatusConflict},
	{&DB, http.StatusInternalServerError},
	{&FileOp, http.StatusInternalServerError},
	{&External, http.StatusInternalServerError},
}

// Kind 返回错误的类别代码；无法识别时返回 "internal"。
func Kind(err error) string {
	for _, k := range kinds {
		if k.class.Has(err) {
			return string(*k.class)
		}
	}
	return "internal"
}

// HTTPStatus 把错误类别映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if k.class.Has(err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable 报告作业运行时是否应该重试该错误。
// 输入错误、权限错误和状态冲突重试也不会成功。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case InvalidInput.Has(err), NotFound.Has(err), Unauthorised.Has(err),
		Forbidden.Has(err), Conflict.Has(err):
		return false
	}
	return true
}

// FromDB 把仓储层返回的 gorm 错误翻译为 not-found 或 db-error。
func FromDB(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound.New(format, args...)
	}
	return DB.Wrap(err)
}

// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// Response 是所有接口统一的响应信封。
type Response struct {
	Content interface{} `json:"content"`
	Message string      `json:"message"`
	Error   string      `json:"error"`
}

func respond(c *gin.Context, status int, content interface{}, message string) {
	c.JSON(status, Response{Content: content, Message: message})
}

// fail 把错误类别映射为 HTTP 状态码。5xx 按错误记录，其余按警告记录。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s %s 失败: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		log.Warnf("[Handler] %s %s 被拒绝: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, Response{Message: err.Error(), Error: apperr.Kind(err)})
}

// intParam 解析路径中的整数参数。
func intParam(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, apperr.InvalidInput.New("%s must be an integer, got %q", name, c.Param(name))
	}
	return n, nil
}

// intQuery 解析可选的整数查询参数，缺省时返回 def。
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidInput.New("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// obfuscationCode 从查询参数或请求头中读取审稿人使用的混淆码。
func obfuscationCode(c *gin.Context) string {
	if code := c.Query("obfuscation_code"); code != "" {
		return code
	}
	return c.GetHeader("obfuscation-code")
}

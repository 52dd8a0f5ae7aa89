package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Messages for the error bodies the API returns.
const (
	MsgEndpointNotFound = "API endpoint not found"
	MsgVenueUnavailable = "Failed to reach OKX API"
	MsgRateLimited      = "Rate limit exceeded"
	MsgInternal         = "Internal server error"
)

// MessageBody is the {message} error shape used for request validation.
type MessageBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NotFoundBody describes an unknown API route.
type NotFoundBody struct {
	Error  string `json:"error"`
	Path   string `json:"path"`
	Method string `json:"method"`
}

func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, MessageBody{Message: message})
}

func BadGateway(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadGateway, MessageBody{Message: MsgVenueUnavailable, Error: err.Error()})
}

func TooManyRequests(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, MessageBody{Message: MsgRateLimited, Error: detail})
}

func InternalError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, MessageBody{Message: MsgInternal, Error: err.Error()})
}

func NotFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, NotFoundBody{
		Error:  MsgEndpointNotFound,
		Path:   c.Request.URL.Path,
		Method: c.Request.Method,
	})
}

// Raw writes a venue reply through unchanged, defaulting the content type to JSON.
func Raw(c *gin.Context, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(status, contentType, body)
}

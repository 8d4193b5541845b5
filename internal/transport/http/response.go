package httptransport

import "github.com/gin-gonic/gin"

// StatusResponse is the body of the verification and revocation endpoints.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RespondSuccess writes data with the given status.
func RespondSuccess(c *gin.Context, httpStatus int, data any) {
	c.JSON(httpStatus, data)
}

// RespondError aborts the request with {success:false, message}.
func RespondError(c *gin.Context, httpStatus int, message string) {
	c.AbortWithStatusJSON(httpStatus, StatusResponse{Success: false, Message: message})
}

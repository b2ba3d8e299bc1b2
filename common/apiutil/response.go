// Package apiutil provides the shared HTTP response envelope. Every endpoint,
// user-facing or service-to-service, replies with {success, data, message, code}.
package apiutil

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the wire envelope for all JSON responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    int         `json:"code"`
}

// OK writes a successful response with the given payload
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Code: http.StatusOK})
}

// Created writes a 201 response with the given payload
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data, Code: http.StatusCreated})
}

// Fail writes an unsuccessful response with the given status and message.
// Contention outcomes (lock held, insufficient funds) also go through here;
// they are part of the protocol, not transport errors.
func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Success: false, Message: message, Code: status})
}

// FailWithData writes an unsuccessful response that still carries a payload,
// used when a refused operation returns diagnostic detail.
func FailWithData(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Success: false, Data: data, Message: message, Code: status})
}

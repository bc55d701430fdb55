// Package handlers implements the webhook endpoints. The platform speaks
// plain text for verification and failures, and XML for passive replies;
// there is no JSON surface.
package handlers

import (
	"github.com/gin-gonic/gin"
)

// Text writes a plain-text response.
func Text(c *gin.Context, status int, body string) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(status, "%s", body)
}

// XML writes a pre-rendered XML reply document.
func XML(c *gin.Context, body string) {
	c.Header("Content-Type", "text/xml; charset=utf-8")
	c.String(200, "%s", body)
}

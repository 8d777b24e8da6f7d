package utils

import (
	"encoding/json"
	"net/http"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// ErrorBody 是所有接口统一的错误响应体。
type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) error {
	return RespondJSON(w, status, ErrorBody{Status: "error", Message: message})
}

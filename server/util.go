package server

import (
	"encoding/json"
	"net/http"
)

func createResponse(success bool, data any, errorMsg string) ResponseModel {
	return ResponseModel{
		Success: success,
		Data:    data,
		Error:   errorMsg,
	}
}

func SendResponse(w http.ResponseWriter, success bool, data any, errorMsg string) {
	SendResponseWithHeader(w, success, data, errorMsg, 0, nil)
}

func SendResponseWithHeader(w http.ResponseWriter, success bool, data any, errorMsg string, statusCode int, payloadHeaders map[string]string) {
	response := createResponse(success, data, errorMsg)
	w.Header().Set("Content-Type", "application/json")

	for key, value := range payloadHeaders {
		w.Header().Set(key, value)
	}

	if success {
		w.WriteHeader(http.StatusOK)
	} else if statusCode != 0 {
		w.WriteHeader(statusCode)
	} else {
		w.WriteHeader(http.StatusBadRequest)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, `{"success":false,"error":"Internal Server Error"}`, http.StatusInternalServerError)
	}
}

// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"age-stats-service/internal/domain"
	"age-stats-service/internal/middleware"
	"age-stats-service/internal/usecase"
	"age-stats-service/pkg/httputil"
)

// maxSubmitBodySize はsubmit-ageリクエストボディの上限。
// 既定パラメータの暗号文はBase64で約350KiBになる。
const maxSubmitBodySize = 4 << 20

// retryAfter はタイムアウト時にクライアントへ提示する再試行までの時間。
const retryAfter = 30 * time.Second

// AgeHandler はHTTPハンドラを提供する。
type AgeHandler struct {
	service    *usecase.AgeService
	thresholds []domain.Threshold
}

// NewAgeHandler は新しいAgeHandlerを生成する。thresholds はサーバーのポリシーで固定する。
func NewAgeHandler(service *usecase.AgeService, thresholds []domain.Threshold) *AgeHandler {
	return &AgeHandler{
		service:    service,
		thresholds: domain.NormalizeThresholds(thresholds),
	}
}

// SubmitAgeRequest は暗号化年齢提出のリクエスト形式。
type SubmitAgeRequest struct {
	EncryptedAge string `json:"encryptedAge"`
	UserID       string `json:"userId"`
}

// SubmitAgeResponse は暗号化年齢提出のレスポンス形式。
type SubmitAgeResponse struct {
	UserID string `json:"userId"`
}

// StatsResponse は統計のレスポンス形式。
// PerThresholdEncrypted には状態が ok の閾値のみが含まれる。
type StatsResponse struct {
	TotalUsers            int64             `json:"totalUsers"`
	EvaluatedRecords      int               `json:"evaluatedRecords"`
	SkippedRecords        int               `json:"skippedRecords"`
	PerThresholdEncrypted map[string]string `json:"perThresholdEncrypted"`
	PerThresholdStatus    map[string]string `json:"perThresholdStatus"`
}

// HealthResponse はヘルスチェックのレスポンス形式。
type HealthResponse struct {
	Status string `json:"status"`
}

// Health はヘルスチェックに応答する。
func (h *AgeHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// SubmitAge は暗号化された年齢を受け付けて保存する。
func (h *AgeHandler) SubmitAge(w http.ResponseWriter, r *http.Request) {
	var req SubmitAgeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodySize)).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	record, err := h.service.Submit(r.Context(), req.UserID, req.EncryptedAge)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "SUBMIT_AGE", req.UserID, middleware.ResultFailed)
		switch {
		case errors.Is(err, domain.ErrInvalidUserID):
			httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID format")
		case errors.Is(err, domain.ErrMalformedCiphertext):
			httputil.Error(w, http.StatusBadRequest, "MALFORMED_CIPHERTEXT", "encrypted age could not be decoded")
		case errors.Is(err, domain.ErrUserAlreadyExists):
			httputil.Error(w, http.StatusConflict, "USER_ALREADY_EXISTS", "age already submitted for this user")
		default:
			writeServerError(w, err)
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "SUBMIT_AGE", record.UserID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, SubmitAgeResponse{UserID: record.UserID})
}

// GetStats は閾値ごとの暗号化された件数を返す。
func (h *AgeHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetStats(r.Context(), h.thresholds)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_STATS", "", middleware.ResultFailed)
		switch {
		case errors.Is(err, domain.ErrAggregateOverflow):
			httputil.Error(w, http.StatusInternalServerError, "AGGREGATE_OVERFLOW", "too many records to aggregate")
		default:
			writeServerError(w, err)
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_STATS", "", middleware.ResultSuccess)
	response := StatsResponse{
		TotalUsers:            result.TotalUsers,
		EvaluatedRecords:      result.EvaluatedRecords,
		SkippedRecords:        result.SkippedRecords,
		PerThresholdEncrypted: make(map[string]string),
		PerThresholdStatus:    make(map[string]string, len(result.PerThreshold)),
	}
	for t, tr := range result.PerThreshold {
		response.PerThresholdStatus[t.String()] = string(tr.Status)
		if tr.Status == domain.ThresholdStatusOK {
			response.PerThresholdEncrypted[t.String()] = tr.Ciphertext
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// writeServerError はリトライ可能なタイムアウトとそれ以外の内部エラーを書き分ける。
func writeServerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		httputil.Unavailable(w, retryAfter, "TIMEOUT", "evaluation did not finish in time")
	case errors.Is(err, domain.ErrStorage):
		httputil.Error(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage error")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

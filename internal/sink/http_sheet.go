package sink

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// HTTPSheetConfig 表格网关写入端配置
type HTTPSheetConfig struct {
	BaseURL   string
	SheetName string
	Token     string
	AuthURL   string // 为空则 Reauthenticate 为 no-op
	Columns   []string
	Timeout   time.Duration
}

// appendRequest 网关的追加行请求体
type appendRequest struct {
	Sheet  string   `json:"sheet"`
	Values []string `json:"values"`
}

type appendResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

type authResponse struct {
	Token string `json:"token"`
}

// HTTPSheetSink 通过 HTTP 网关向在线表格追加行
type HTTPSheetSink struct {
	cfg        HTTPSheetConfig
	httpClient *resty.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

var _ TelemetrySink = (*HTTPSheetSink)(nil)
var _ Reauthenticator = (*HTTPSheetSink)(nil)

// NewHTTPSheetSink 创建表格写入端
func NewHTTPSheetSink(cfg HTTPSheetConfig, logger *zap.Logger) *HTTPSheetSink {
	if len(cfg.Columns) == 0 {
		cfg.Columns = DefaultColumns
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPSheetSink{
		cfg:        cfg,
		httpClient: client,
		logger:     logger,
		token:      cfg.Token,
	}
}

// AppendRow 追加一行；错误带分类供上传器处置
func (s *HTTPSheetSink) AppendRow(ctx context.Context, row models.UploadRow) error {
	request := appendRequest{
		Sheet:  s.cfg.SheetName,
		Values: FieldsFor(row, s.cfg.Columns),
	}

	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	var response appendResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(request).
		SetResult(&response).
		Post("/rows/append")

	if err != nil {
		return NewSinkError(KindNetwork, fmt.Errorf("failed to call sheet gateway: %w", err))
	}

	if resp.IsError() {
		kind := classifyHTTP(resp.StatusCode(), string(resp.Body()))
		s.logger.Warn("Sheet gateway rejected row",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("kind", string(kind)),
		)
		return NewSinkError(kind, fmt.Errorf("sheet gateway status %d: %s", resp.StatusCode(), resp.Body()))
	}

	if response.Status != 0 {
		return NewSinkError(classifyMessage(response.Msg),
			fmt.Errorf("sheet gateway error: %s (status: %d)", response.Msg, response.Status))
	}
	return nil
}

// Reauthenticate 重新获取访问令牌
func (s *HTTPSheetSink) Reauthenticate(ctx context.Context) error {
	if s.cfg.AuthURL == "" {
		return nil
	}

	var response authResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetResult(&response).
		Post(s.cfg.AuthURL)
	if err != nil {
		return NewSinkError(KindNetwork, fmt.Errorf("failed to reauthenticate: %w", err))
	}
	if resp.IsError() || response.Token == "" {
		return NewSinkError(KindAuth, fmt.Errorf("reauthentication rejected: status %d", resp.StatusCode()))
	}

	s.mu.Lock()
	s.token = response.Token
	s.mu.Unlock()

	s.logger.Info("Sheet gateway token refreshed")
	return nil
}

// classifyHTTP HTTP 状态码到错误分类的映射
func classifyHTTP(statusCode int, body string) ErrorKind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return KindQuota
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	}
	if kind := classifyMessage(body); kind != KindUnknown {
		return kind
	}
	if statusCode >= 500 {
		return KindNetwork
	}
	return KindUnknown
}

// classifyMessage 从错误文案识别配额类失败
func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
		return KindQuota
	}
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid token") || strings.Contains(lower, "expired") {
		return KindAuth
	}
	return KindUnknown
}

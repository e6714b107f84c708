package notification

import (
	"context"
	"fmt"

	"RapidResponse/pkg/logger"

	"go.uber.org/zap"
)

type SMSConfig struct {
	SignName     string
	TemplateCode string
}

// SMSClient 便于替换/注入的发送接口（适配真实 SDK）
type SMSClient interface {
	Send(ctx context.Context, phone, sign, template string, params map[string]string) error
}

type SMS struct {
	cfg SMSConfig
	cli SMSClient
}

func NewSMS(cfg SMSConfig, cli SMSClient) *SMS {
	return &SMS{cfg: cfg, cli: cli}
}

// Notify 给每个号码单独发送，单个失败不影响其它号码
func (s *SMS) Notify(ctx context.Context, n Notice) error {
	if s.cli == nil {
		return ErrNotConfigured
	}
	params := map[string]string{"title": n.Title, "content": n.Content}
	for k, v := range n.Params {
		params[k] = v
	}
	var failed int
	var last error
	for _, phone := range n.Phones {
		if err := s.cli.Send(ctx, phone, s.cfg.SignName, s.cfg.TemplateCode, params); err != nil {
			failed++
			last = err
		}
	}
	if failed > 0 {
		return fmt.Errorf("sms: %d of %d sends failed: %w", failed, len(n.Phones), last)
	}
	return nil
}

// LogSMSClient 未接入短信网关时只记录日志
type LogSMSClient struct{}

func (LogSMSClient) Send(ctx context.Context, phone, sign, template string, params map[string]string) error {
	logger.Info("sms notice", zap.String("phone", phone), zap.String("template", template), zap.Any("params", params))
	return nil
}

package notification

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("notification client not configured")

// Notice 一条待发送的外部通知
type Notice struct {
	Title   string
	Content string
	// Phones 短信接收号码，通常是医院值班热线
	Phones []string
	Params map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi 依次调用所有通知器，返回合并后的错误
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

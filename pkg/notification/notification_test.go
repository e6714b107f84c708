package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSMS struct {
	sent []string
	fail map[string]bool
}

func (r *recordingSMS) Send(ctx context.Context, phone, sign, template string, params map[string]string) error {
	if r.fail[phone] {
		return errors.New("gateway rejected")
	}
	r.sent = append(r.sent, phone+":"+params["title"])
	return nil
}

func TestSMSNotify(t *testing.T) {
	cli := &recordingSMS{fail: map[string]bool{"+234-bad": true}}
	s := NewSMS(SMSConfig{SignName: "RapidResponse", TemplateCode: "NEW_REQUEST"}, cli)

	require.NoError(t, s.Notify(context.Background(), Notice{Title: "new request", Phones: []string{"+234-1"}}))
	assert.Equal(t, []string{"+234-1:new request"}, cli.sent)

	err := s.Notify(context.Background(), Notice{Title: "x", Phones: []string{"+234-2", "+234-bad"}})
	assert.ErrorContains(t, err, "1 of 2")

	assert.ErrorIs(t, NewSMS(SMSConfig{}, nil).Notify(context.Background(), Notice{}), ErrNotConfigured)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := NewSMS(SMSConfig{}, &recordingSMS{})
	bad := NewSMS(SMSConfig{}, nil)
	err := Multi{ok, nil, bad}.Notify(context.Background(), Notice{Phones: []string{"1"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, Multi{ok}.Notify(context.Background(), Notice{}))
}

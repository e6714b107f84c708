package geo

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"RapidResponse/internal/models"
	constants "RapidResponse/pkg/constant"
	apperrors "RapidResponse/pkg/errors"

	"github.com/spf13/cast"
)

// ErrPositionUnavailable 定位被拒绝或不可用
var ErrPositionUnavailable = errors.New("position unavailable")

// DefaultLocation Port Harcourt
var DefaultLocation = models.Location{Lat: 4.8156, Lng: 7.0498}

// Locator 一次性定位，不做重试
type Locator interface {
	CurrentPosition(ctx context.Context) (models.Location, error)
}

type StaticLocator struct {
	Location models.Location
	Err      error
}

func (s StaticLocator) CurrentPosition(ctx context.Context) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, err
	}
	if s.Err != nil {
		return models.Location{}, s.Err
	}
	return s.Location, nil
}

// RequestLocator 从客户端上报的 X-Geo-Lat / X-Geo-Lng 头读取位置
type RequestLocator struct {
	Header http.Header
}

func (l RequestLocator) CurrentPosition(ctx context.Context) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, err
	}
	lat := strings.TrimSpace(l.Header.Get(constants.HeaderGeoLat))
	lng := strings.TrimSpace(l.Header.Get(constants.HeaderGeoLng))
	if lat == "" || lng == "" {
		return models.Location{}, ErrPositionUnavailable
	}
	la, err := cast.ToFloat64E(lat)
	if err != nil {
		return models.Location{}, ErrPositionUnavailable
	}
	ln, err := cast.ToFloat64E(lng)
	if err != nil {
		return models.Location{}, ErrPositionUnavailable
	}
	loc := models.Location{Lat: la, Lng: ln}
	if !loc.Valid() {
		return models.Location{}, ErrPositionUnavailable
	}
	return loc, nil
}

// Resolve 定位失败时使用调用方给出的 fallback，没有 fallback 返回 Validation
func Resolve(ctx context.Context, l Locator, fallback *models.Location) (models.Location, error) {
	if l != nil {
		loc, err := l.CurrentPosition(ctx)
		if err == nil && loc.Valid() {
			return loc, nil
		}
		if ctx.Err() != nil {
			return models.Location{}, ctx.Err()
		}
	}
	if fallback != nil && fallback.Valid() {
		return *fallback, nil
	}
	return models.Location{}, apperrors.Validation("location is required")
}

//go:build !mediadevices

package main

import (
	"github.com/pion/webrtc/v4"

	"stablecall-backend/internal/media"
	"stablecall-backend/pkg/logger"
)

// newMediaGateway uses synthetic tracks; build with -tags mediadevices to capture real devices
func newMediaGateway(policy media.Policy) (*media.StaticGateway, func(*webrtc.MediaEngine) error, error) {
	logger.Info("Using static media gateway")
	return media.NewStaticGateway(policy), nil, nil
}

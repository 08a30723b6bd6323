//go:build mediadevices

package main

import (
	"github.com/pion/webrtc/v4"

	"stablecall-backend/internal/media"
	"stablecall-backend/pkg/logger"
)

// newMediaGateway captures the host camera and microphone
func newMediaGateway(policy media.Policy) (*media.DeviceGateway, func(*webrtc.MediaEngine) error, error) {
	g, err := media.NewDeviceGateway(policy)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using device media gateway")
	return g, g.RegisterCodecs, nil
}

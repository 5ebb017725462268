//go:build !gocv

package vision

import (
	"errors"

	"face-attendance-go/config"
)

func newOpenCVBackend(config.DetectorConfig) (Backend, error) {
	return nil, errors.New("opencv detector requires a build with -tags gocv")
}

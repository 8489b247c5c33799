// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package trace

import (
	"github.com/gogpu/particles/backend"
	"github.com/gogpu/particles/gpucore"
)

func init() {
	backend.Register(backend.Trace, func() (gpucore.Device, error) {
		return New(Config{}), nil
	})
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"github.com/gogpu/particles/backend"
	"github.com/gogpu/particles/gpucore"
)

func init() {
	backend.Register(backend.Native, func() (gpucore.Device, error) {
		d, err := Open(Config{})
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/particles/gpucore"
)

// Native device errors.
var (
	// ErrNoBackend is returned by Open when the Vulkan backend is not
	// registered.
	ErrNoBackend = errors.New("native: vulkan backend not available")

	// ErrNoAdapter is returned by Open when no GPU adapter is found.
	ErrNoAdapter = errors.New("native: no GPU adapters found")

	// ErrNotHAL is returned by NewFromProvider when the provider does not
	// expose hal.Device and hal.Queue.
	ErrNotHAL = errors.New("native: provider does not expose HAL types")

	// ErrNilDevice is returned by New for a nil device or queue.
	ErrNilDevice = errors.New("native: nil hal device or queue")

	// ErrWaitTimeout is returned when the GPU does not finish a submission
	// within Config.WaitTimeout.
	ErrWaitTimeout = errors.New("native: timed out waiting for the GPU")

	// ErrOutOfRange is returned for buffer accesses past the buffer end or
	// not aligned to 4 bytes.
	ErrOutOfRange = errors.New("native: buffer range out of bounds or unaligned")

	// ErrForeignRecorder is returned when a recorder is submitted to a
	// device that did not create it.
	ErrForeignRecorder = errors.New("native: recorder belongs to another device")
)

// DefaultWaitTimeout bounds every fence wait unless Config.WaitTimeout is
// set.
const DefaultWaitTimeout = 5 * time.Second

// Config holds configuration for creating a Device.
type Config struct {
	// Limits overrides the limits reported by Device.Limits.
	// Open defaults to the limits the device was opened with; New and
	// NewFromProvider default to gpucore.DefaultLimits().
	Limits gpucore.Limits

	// WaitTimeout bounds fence waits. Defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration

	// Logger receives device logs. Defaults to the package logger.
	Logger *slog.Logger
}

// Stats counts device activity.
type Stats struct {
	Buffers     int
	Programs    int
	Submissions uint64
	Passes      uint64
	Dispatches  uint64
	Copies      uint64
	Fills       uint64
	InFlight    int
}

type buffer struct {
	raw  hal.Buffer
	size uint64
}

// Device is a gpucore.Device backed by a wgpu HAL device.
//
// Device is safe for concurrent use.
type Device struct {
	mu  sync.Mutex
	cfg Config
	log atomic.Pointer[slog.Logger]

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	limits   gpucore.Limits

	nextID   uint64
	buffers  map[gpucore.BufferID]*buffer
	programs map[gpucore.ProgramID]*program
	fill     *program

	inflight []*submission
	stats    Stats
	closed   bool
}

var _ gpucore.Device = (*Device)(nil)

// Open creates a device on the first discrete or integrated GPU of the
// Vulkan backend, falling back to the first adapter found.
func Open(cfg Config) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrNoBackend
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	if cfg.Limits == (gpucore.Limits{}) {
		cfg.Limits = gpucore.Limits{
			MaxThreadGroupCountPerDimension: limits.MaxComputeWorkgroupsPerDimension,
			MaxBufferSize:                   limits.MaxBufferSize,
		}
	}
	d := newDevice(openDev.Device, openDev.Queue, cfg)
	d.instance = instance
	d.external = false
	d.logger().Info("native: device opened",
		slog.String("adapter", selected.Info.Name),
		slog.Uint64("max_buffer_size", d.limits.MaxBufferSize))
	return d, nil
}

// New wraps a HAL device and queue owned by the caller. Close releases the
// resources created through the Device but leaves device and queue alive.
func New(device hal.Device, queue hal.Queue, cfg Config) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	return newDevice(device, queue, cfg), nil
}

// NewFromProvider shares the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, cfg Config) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	d := newDevice(device, queue, cfg)
	d.logger().Info("native: using shared device")
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, cfg Config) *Device {
	if cfg.Limits == (gpucore.Limits{}) {
		cfg.Limits = gpucore.DefaultLimits()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	d := &Device{
		cfg:      cfg,
		device:   device,
		queue:    queue,
		external: true,
		limits:   cfg.Limits,
		buffers:  make(map[gpucore.BufferID]*buffer),
		programs: make(map[gpucore.ProgramID]*program),
	}
	if cfg.Logger != nil {
		d.log.Store(cfg.Logger)
	}
	return d
}

// SetLogger sets the logger of this device. Pass nil to fall back to the
// package logger.
func (d *Device) SetLogger(l *slog.Logger) {
	d.log.Store(l)
}

func (d *Device) logger() *slog.Logger {
	if l := d.log.Load(); l != nil {
		return l
	}
	return slogger()
}

// Limits returns the device limits.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// Stats returns a snapshot of device activity.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Buffers = len(d.buffers)
	s.Programs = len(d.programs)
	s.InFlight = len(d.inflight)
	return s
}

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// CreateBuffer creates a GPU buffer. Sizes are rounded up to 4 bytes.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	size := max(alignUp(desc.Size, 4), 4)
	if size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("native: buffer %q of %d bytes exceeds limit %d",
			desc.Label, size, d.limits.MaxBufferSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: halUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{raw: raw, size: size}
	return id, nil
}

// DestroyBuffer releases a buffer. Buffers used by a submission still in
// flight are released once it completes.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	if n := len(d.inflight); n > 0 {
		d.inflight[n-1].buffers = append(d.inflight[n-1].buffers, b.raw)
		return
	}
	d.device.DestroyBuffer(b.raw)
}

// WriteBuffer uploads data at offset. The write is ordered before every
// later submission.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if offset%4 != 0 || offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write of %d bytes at %d, buffer %d bytes", ErrOutOfRange, len(data), offset, b.size)
	}
	d.queue.WriteBuffer(b.raw, offset, data)
	return nil
}

// ReadBuffer waits for every submission in flight and copies a buffer
// range back to the CPU.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return nil, err
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("%w: read of %d bytes at %d, buffer %d bytes", ErrOutOfRange, size, offset, b.size)
	}
	if err := d.retire(true); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if err := d.queue.ReadBuffer(b.raw, offset, out); err != nil {
		return nil, fmt.Errorf("native: read buffer: %w", err)
	}
	return out, nil
}

func (d *Device) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, id)
	}
	return b, nil
}

// CreateProgram compiles a compute program.
func (d *Device) CreateProgram(desc *gpucore.ProgramDescriptor) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	p, err := newProgram(d.device, desc)
	if err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.ProgramID(d.newID())
	d.programs[id] = p
	d.logger().Debug("native: program created",
		slog.String("label", desc.Label),
		slog.Int("bindings", len(desc.Bindings)))
	return id, nil
}

// DestroyProgram releases a compute program. Programs used by a
// submission still in flight are released once it completes.
func (d *Device) DestroyProgram(id gpucore.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[id]
	if !ok {
		return
	}
	delete(d.programs, id)
	if n := len(d.inflight); n > 0 {
		d.inflight[n-1].programs = append(d.inflight[n-1].programs, p)
		return
	}
	p.destroy(d.device)
}

// BeginRecording starts a new command stream.
func (d *Device) BeginRecording(label string) (gpucore.Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	return &Recorder{dev: d, label: label}, nil
}

// Submit encodes the recorder and queues it. It does not wait for the GPU;
// completed submissions are reclaimed here and in ReadBuffer.
func (d *Device) Submit(r gpucore.Recorder) error {
	rec, ok := r.(*Recorder)
	if !ok || rec.dev != d {
		return ErrForeignRecorder
	}
	if rec.submitted {
		return gpucore.ErrRecorderSubmitted
	}
	rec.submitted = true
	if rec.err != nil {
		return fmt.Errorf("native: recorder %q: %w", rec.label, rec.err)
	}
	if rec.overlap != 0 {
		return fmt.Errorf("native: recorder %q: %d overlap scopes left open", rec.label, rec.overlap)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	if len(rec.cmds) == 0 {
		return nil
	}
	if err := d.submit(rec); err != nil {
		return err
	}
	return d.retire(false)
}

// Close waits for the GPU and releases every resource created through the
// device. Devices from Open also release the HAL device and instance.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if err := d.retire(true); err != nil {
		d.logger().Warn("native: wait on close", slog.String("err", err.Error()))
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, id)
	}
	for id, p := range d.programs {
		p.destroy(d.device)
		delete(d.programs, id)
	}
	if d.fill != nil {
		d.fill.destroy(d.device)
		d.fill = nil
	}
	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device, d.queue, d.instance = nil, nil, nil
	d.closed = true
	d.logger().Info("native: device closed", slog.Uint64("submissions", d.stats.Submissions))
}

// halUsage converts gpucore usage flags.
func halUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u&gpucore.BufferUsageMapRead != 0 {
		out |= gputypes.BufferUsageMapRead
	}
	if u&gpucore.BufferUsageCopySrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if u&gpucore.BufferUsageCopyDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&gpucore.BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	if u&gpucore.BufferUsageIndirect != 0 {
		out |= gputypes.BufferUsageIndirect
	}
	return out
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

package vpcm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// DeviceName is printed at the top of the info report.
const DeviceName = "vpcm Virtual Audio Device"

// Control and engine node defaults.
const (
	ControlNodeName = "vpcmctl"

	controlNodeMode   = 0o660
	controlNodeGID    = 20 // staff
	engineNodePattern = "vpcm%d"
	engineNodeMode    = 0o600

	// commandBufferSize bounds a command line and the output it produces, terminator included.
	commandBufferSize = 2048
)

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithLogger sets the logger for engine lifecycle events. The default discards everything.
func WithLogger(logger *slog.Logger) DeviceOption {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTerminateTimeout sets how long deleting an engine waits for its client to close.
func WithTerminateTimeout(timeout time.Duration) DeviceOption {
	return func(d *Device) {
		d.terminateTimeout = timeout
	}
}

// Device manages a set of engines and the control node through which they are created and deleted.
type Device struct {
	nodes            NodeTable
	control          *Node
	logger           *slog.Logger
	terminateTimeout time.Duration

	// mu serializes commands.
	mu      sync.Mutex
	engines []*deviceEngine

	ctl controlNode
}

type deviceEngine struct {
	engine *Engine
	node   *Node
}

// NewDevice creates a device with its control node.
func NewDevice(opts ...DeviceOption) (*Device, error) {
	d := &Device{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		terminateTimeout: DefaultTerminateTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.ctl.device = d

	control, err := d.nodes.Create(ControlNodeName, controlNodeMode, 0, controlNodeGID, &d.ctl)
	if err != nil {
		return nil, fmt.Errorf("failed to create control node: %w", err)
	}
	d.control = control

	return d, nil
}

// Nodes returns the node table of the device.
func (d *Device) Nodes() *NodeTable {
	return &d.nodes
}

// ControlNode returns the control node.
func (d *Device) ControlNode() *Node {
	return d.control
}

// Open opens a node of the device, the control node or an engine node, on behalf of cred.
func (d *Device) Open(cred Cred, name string, flags OpenFlag) (*File, error) {
	return d.nodes.Open(cred, name, flags)
}

// Exec runs one command line and returns its output.
//
// Commands:
//
//	create <name> [options]   create an engine and its node, see ParseProperties
//	delete <name>             terminate an engine and remove its node
//	name <name>               print the node path of an engine
//	describe <name>           print the command line that recreates an engine
//	info                      print the status of all engines
//
// Engines are addressed by their name or by their node name. An empty line does nothing.
func (d *Device) Exec(cred Cred, line string) (string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return "", fmt.Errorf("malformed command %q: %w: %w", line, ErrInvalidArgument, err)
	}

	return d.exec(cred, args)
}

func (d *Device) exec(cred Cred, args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, rest := args[0], args[1:]
	if cmd != "info" && len(rest) == 0 {
		if _, ok := commands[cmd]; ok {
			return "", fmt.Errorf("%s: missing argument: %w", cmd, ErrInvalidArgument)
		}
	}

	switch cmd {
	case "info":
		return d.info(cred), nil
	case "create":
		_, err := d.create(cred, rest)

		return "", err
	case "delete":
		return "", d.delete(cred, rest[0])
	case "name":
		de, err := d.readable(cred, rest[0])
		if err != nil {
			return "", err
		}

		return de.node.Path() + "\n", nil
	case "describe":
		de, err := d.readable(cred, rest[0])
		if err != nil {
			return "", err
		}

		return de.engine.props.String() + "\n", nil
	}

	return "", fmt.Errorf("unknown command %q: %w", cmd, ErrNotSupported)
}

var commands = map[string]struct{}{
	"info":     {},
	"create":   {},
	"delete":   {},
	"name":     {},
	"describe": {},
}

// Create creates an engine from a property command line, see ParseProperties.
func (d *Device) Create(cred Cred, args ...string) (*Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.create(cred, args)
}

// Delete terminates an engine and removes its node. The caller needs write access to the node.
// If the engine's client does not close in time, the engine is left in place and ErrDeviceError is returned.
func (d *Device) Delete(cred Cred, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.delete(cred, name)
}

// Engine returns the engine with the given name or node name.
func (d *Device) Engine(name string) (*Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	de, err := d.find(name)
	if err != nil {
		return nil, err
	}

	return de.engine, nil
}

// EngineNode returns the node of the engine with the given name or node name.
func (d *Device) EngineNode(name string) (*Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	de, err := d.find(name)
	if err != nil {
		return nil, err
	}

	return de.node, nil
}

// Engines returns all engines in creation order.
func (d *Device) Engines() []*Engine {
	d.mu.Lock()
	defer d.mu.Unlock()

	engines := make([]*Engine, 0, len(d.engines))
	for _, de := range d.engines {
		engines = append(engines, de.engine)
	}

	return engines
}

// Info returns the status report of all engines cred may read.
func (d *Device) Info(cred Cred) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.info(cred)
}

// Close deletes every engine and the control node. Engines whose client does not close in time are reported in the
// returned error and stay in place.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var failed []string
	for len(d.engines) > len(failed) {
		de := d.engines[len(failed)]
		if err := d.remove(de); err != nil {
			failed = append(failed, de.engine.Name())
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("engines still open: %v: %w", failed, ErrDeviceError)
	}

	d.nodes.Release(d.control)

	return nil
}

func (d *Device) create(cred Cred, args []string) (*Engine, error) {
	props, err := ParseProperties(args)
	if err != nil {
		return nil, err
	}

	if _, err := d.find(props.Name); err == nil {
		return nil, fmt.Errorf("engine %q: %w", props.Name, ErrAlreadyExists)
	}

	e, err := NewEngine(*props)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine %q: %w", props.Name, err)
	}

	node, err := d.nodes.Create(engineNodePattern, engineNodeMode, cred.UID, cred.GID, e)
	if err != nil {
		return nil, fmt.Errorf("failed to create node for engine %q: %w", props.Name, err)
	}

	d.engines = append(d.engines, &deviceEngine{engine: e, node: node})
	d.logger.Info("engine created", "name", props.Name, "node", node.Path(), "uid", cred.UID,
		"config", props.Describe(" --"))

	return e, nil
}

func (d *Device) delete(cred Cred, name string) error {
	de, err := d.find(name)
	if err != nil {
		return err
	}

	if err := de.node.Access(cred, ACCESS_WRITE); err != nil {
		return err
	}

	return d.remove(de)
}

func (d *Device) remove(de *deviceEngine) error {
	de.engine.Stop()

	if err := de.engine.Terminate(d.terminateTimeout); err != nil {
		d.logger.Warn("engine refused to terminate", "name", de.engine.Name(), "node", de.node.Path(), "error", err)

		return err
	}

	d.nodes.Release(de.node)
	d.engines = slices.DeleteFunc(d.engines, func(x *deviceEngine) bool { return x == de })
	d.logger.Info("engine deleted", "name", de.engine.Name(), "node", de.node.Path())

	return nil
}

// find looks an engine up by name, then by node name.
func (d *Device) find(name string) (*deviceEngine, error) {
	for _, de := range d.engines {
		if de.engine.props.Name == name || de.node.Name() == name || de.node.Path() == name {
			return de, nil
		}
	}

	return nil, fmt.Errorf("engine %q: %w", name, ErrNotFound)
}

func (d *Device) readable(cred Cred, name string) (*deviceEngine, error) {
	de, err := d.find(name)
	if err != nil {
		return nil, err
	}

	if err := de.node.Access(cred, ACCESS_READ); err != nil {
		return nil, err
	}

	return de, nil
}

// controlNode is the handler of the control node. One client at a time writes command lines to it and reads back
// their output.
type controlNode struct {
	device *Device

	mu     sync.Mutex
	open   bool
	cred   Cred
	output []byte
}

func (c *controlNode) Open(flags OpenFlag) error {
	return c.OpenCred(CurrentCred(), flags)
}

func (c *controlNode) OpenCred(cred Cred, flags OpenFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return fmt.Errorf("control node is busy: %w", ErrAccessDenied)
	}

	if flags&OPEN_NONBLOCK != 0 {
		return fmt.Errorf("non-blocking open: %w", ErrNotSupported)
	}

	c.open = true
	c.cred = cred

	if flags&OPEN_WRITE == 0 && len(c.output) == 0 {
		c.setOutput(c.device.Info(cred))
	}

	return nil
}

func (c *controlNode) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = false

	return nil
}

// ReadContext returns the pending output and clears it.
func (c *controlNode) ReadContext(_ context.Context, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	if len(c.output) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.output)
	c.output = c.output[:0]

	return n, nil
}

// WriteContext executes one command line. Output, if any, replaces the pending output.
func (c *controlNode) WriteContext(_ context.Context, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	if len(p) > commandBufferSize-1 {
		return 0, fmt.Errorf("command longer than %d bytes: %w", commandBufferSize-1, ErrInvalidArgument)
	}

	out, err := c.device.Exec(c.cred, string(p))
	if err != nil {
		return 0, err
	}

	if out != "" {
		c.setOutput(out)
	}

	return len(p), nil
}

func (c *controlNode) Ioctl(cmd uint, _ *int) error {
	return fmt.Errorf("ioctl 0x%x: %w", cmd, ErrNotTTY)
}

func (c *controlNode) Poll(context.Context, time.Duration) (bool, error) {
	return true, nil
}

func (c *controlNode) setOutput(out string) {
	if len(out) > commandBufferSize-1 {
		out = out[:commandBufferSize-1]
	}

	c.output = append(c.output[:0], out...)
}

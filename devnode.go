package vpcm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// MaxNodes is the number of device nodes a table can hold. Minor numbers range from 0 to MaxNodes-1.
const MaxNodes = 32

// Access modes for Node.Access.
const (
	ACCESS_READ  = uint32(unix.S_IRUSR)
	ACCESS_WRITE = uint32(unix.S_IWUSR)
)

// Handler implements the operations of a device node.
type Handler interface {
	Open(flags OpenFlag) error
	Close() error
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
	Ioctl(cmd uint, arg *int) error
	Poll(ctx context.Context, timeout time.Duration) (bool, error)
}

// credOpener is implemented by handlers that need to know who opens them.
type credOpener interface {
	OpenCred(cred Cred, flags OpenFlag) error
}

// Cred identifies the caller of a node operation.
type Cred struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// CurrentCred returns the credentials of the running process.
func CurrentCred() Cred {
	c := Cred{UID: uint32(unix.Getuid()), GID: uint32(unix.Getgid())}

	groups, err := unix.Getgroups()
	if err == nil {
		for _, g := range groups {
			c.Groups = append(c.Groups, uint32(g))
		}
	}

	return c
}

// IsRoot reports whether c is the superuser.
func (c Cred) IsRoot() bool {
	return c.UID == 0
}

// InGroup reports whether gid is the primary or a supplementary group of c.
func (c Cred) InGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}

	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}

	return false
}

// Node is a named device node backed by a Handler.
type Node struct {
	name    string
	minor   int
	uid     uint32
	gid     uint32
	mode    uint32
	handler Handler
}

// Name returns the node name, without the /dev/ prefix.
func (n *Node) Name() string {
	if n == nil {
		return ""
	}

	return n.name
}

// Path returns the node name with the /dev/ prefix.
func (n *Node) Path() string {
	return "/dev/" + n.Name()
}

// Minor returns the minor number of the node.
func (n *Node) Minor() int {
	if n == nil {
		return -1
	}

	return n.minor
}

// Mode returns the permission bits of the node.
func (n *Node) Mode() uint32 {
	if n == nil {
		return 0
	}

	return n.mode
}

// Owner returns the owning user and group of the node.
func (n *Node) Owner() (uid, gid uint32) {
	if n == nil {
		return 0, 0
	}

	return n.uid, n.gid
}

// Handler returns the handler of the node.
func (n *Node) Handler() Handler {
	if n == nil {
		return nil
	}

	return n.handler
}

// Access checks whether cred may access the node with want, a combination of ACCESS_READ and ACCESS_WRITE.
// The group and other permission bits are shifted onto the owner bits before comparing.
func (n *Node) Access(cred Cred, want uint32) error {
	if n == nil {
		return fmt.Errorf("node is nil: %w", ErrNotFound)
	}

	if cred.IsRoot() {
		return nil
	}

	mode := (n.mode & unix.S_IRWXO) << 6
	if cred.InGroup(n.gid) {
		mode |= (n.mode & unix.S_IRWXG) << 3
	}

	if cred.UID == n.uid {
		mode |= n.mode & unix.S_IRWXU
	}

	if want&mode != want {
		return fmt.Errorf("%s: %w", n.Path(), ErrAccessDenied)
	}

	return nil
}

// NodeTable holds device nodes indexed by minor number.
type NodeTable struct {
	mu    sync.RWMutex
	slots [MaxNodes]*Node
}

// Create adds a node in the lowest free slot. A "%d" in pattern is replaced with the minor number.
func (t *NodeTable) Create(pattern string, mode, uid, gid uint32, h Handler) (*Node, error) {
	if pattern == "" || h == nil {
		return nil, fmt.Errorf("invalid node: %w", ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	minor := 0
	for minor < MaxNodes && t.slots[minor] != nil {
		minor++
	}

	if minor >= MaxNodes {
		return nil, fmt.Errorf("no free device node for %q: %w", pattern, ErrNoMemory)
	}

	name := strings.Replace(pattern, "%d", strconv.Itoa(minor), 1)
	for _, n := range t.slots {
		if n != nil && n.name == name {
			return nil, fmt.Errorf("device node %q: %w", name, ErrAlreadyExists)
		}
	}

	n := &Node{
		name:    name,
		minor:   minor,
		uid:     uid,
		gid:     gid,
		mode:    mode & (unix.S_IRWXU | unix.S_IRWXG | unix.S_IRWXO),
		handler: h,
	}
	t.slots[minor] = n

	return n, nil
}

// Release removes n from the table. Releasing a node twice does nothing.
func (t *NodeTable) Release(n *Node) {
	if n == nil || n.minor < 0 || n.minor >= MaxNodes {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[n.minor] == n {
		t.slots[n.minor] = nil
	}
}

// Lookup returns the node with the given minor number.
func (t *NodeTable) Lookup(minor int) (*Node, error) {
	if minor < 0 || minor >= MaxNodes {
		return nil, fmt.Errorf("minor %d out of range: %w", minor, ErrNotFound)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.slots[minor]
	if n == nil {
		return nil, fmt.Errorf("minor %d: %w", minor, ErrNotFound)
	}

	return n, nil
}

// LookupName returns the node with the given name. A /dev/ prefix is ignored.
func (t *NodeTable) LookupName(name string) (*Node, error) {
	name = strings.TrimPrefix(name, "/dev/")

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, n := range t.slots {
		if n != nil && n.name == name {
			return n, nil
		}
	}

	return nil, fmt.Errorf("device node %q: %w", name, ErrNotFound)
}

// Nodes returns the nodes in minor order.
func (t *NodeTable) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]*Node, 0, MaxNodes)
	for _, n := range t.slots {
		if n != nil {
			nodes = append(nodes, n)
		}
	}

	return nodes
}

// Open opens the named node on behalf of cred.
func (t *NodeTable) Open(cred Cred, name string, flags OpenFlag) (*File, error) {
	n, err := t.LookupName(name)
	if err != nil {
		return nil, err
	}

	var want uint32
	if flags&OPEN_READ != 0 {
		want |= ACCESS_READ
	}
	if flags&OPEN_WRITE != 0 {
		want |= ACCESS_WRITE
	}

	if err := n.Access(cred, want); err != nil {
		return nil, err
	}

	if co, ok := n.handler.(credOpener); ok {
		err = co.OpenCred(cred, flags)
	} else {
		err = n.handler.Open(flags)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", n.Path(), err)
	}

	return &File{node: n, flags: flags}, nil
}

// File is an open device node.
type File struct {
	node   *Node
	flags  OpenFlag
	once   sync.Once
	closed bool
	mu     sync.RWMutex
}

// Name returns the path of the node.
func (f *File) Name() string {
	return f.node.Path()
}

// Flags returns the flags f was opened with.
func (f *File) Flags() OpenFlag {
	return f.flags
}

// Node returns the node behind f.
func (f *File) Node() *Node {
	return f.node
}

func (f *File) handler() (Handler, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, fmt.Errorf("%s: %w", f.node.Path(), ErrBadDescriptor)
	}

	return f.node.handler, nil
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext reads from the node; ctx cancels a blocked read.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	h, err := f.handler()
	if err != nil {
		return 0, err
	}

	return h.ReadContext(ctx, p)
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.WriteContext(context.Background(), p)
}

// WriteContext writes to the node; ctx cancels a blocked write.
func (f *File) WriteContext(ctx context.Context, p []byte) (int, error) {
	h, err := f.handler()
	if err != nil {
		return 0, err
	}

	return h.WriteContext(ctx, p)
}

// Ioctl performs a control request on the node.
func (f *File) Ioctl(cmd uint, arg *int) error {
	h, err := f.handler()
	if err != nil {
		return err
	}

	return h.Ioctl(cmd, arg)
}

// SetNonBlocking is a shorthand for the FIONBIO request.
func (f *File) SetNonBlocking(enable bool) error {
	arg := 0
	if enable {
		arg = 1
	}

	return f.Ioctl(FIONBIO, &arg)
}

// Poll waits until the node is ready for I/O. See Engine.Poll for the timeout semantics.
func (f *File) Poll(ctx context.Context, timeout time.Duration) (bool, error) {
	h, err := f.handler()
	if err != nil {
		return false, err
	}

	return h.Poll(ctx, timeout)
}

// Close closes the node. Only the first call reaches the handler.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		err = f.node.handler.Close()
	})

	return err
}

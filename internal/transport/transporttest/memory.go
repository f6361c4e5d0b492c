// Package transporttest provides an in-memory transport.Transport with
// fault injection for engine tests.
package transporttest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
)

type Op string

const (
	OpList     Op = "list"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpDelete   Op = "delete"
	OpMkdir    Op = "mkdir"
)

type object struct {
	data    []byte
	modTime time.Time
}

type fault struct {
	op    Op
	id    string
	times int
	err   error
}

// Memory is a concurrency-safe in-memory remote.
type Memory struct {
	mu      sync.Mutex
	objects map[string]*object
	folders map[string]struct{}
	faults  []*fault
	calls   map[Op]int
	clock   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*object),
		folders: make(map[string]struct{}),
		calls:   make(map[Op]int),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// now returns a strictly increasing timestamp so every write is visible
// as a modification. Callers hold mu.
func (m *Memory) now() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// Put stores data under id as if another client had uploaded it.
func (m *Memory) Put(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = &object{data: append([]byte(nil), data...), modTime: m.now()}
}

// Get returns a copy of the object data.
func (m *Memory) Get(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Remove deletes id as if another client had removed it.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
}

func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fail makes the next `times` calls of op on id return err.
// An empty id matches every object; times < 0 fails forever.
func (m *Memory) Fail(op Op, id string, times int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, id: id, times: times, err: err})
}

// Calls returns how often op was invoked, failed attempts included.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter records a call and returns an injected fault, if any. Callers hold mu.
func (m *Memory) enter(op Op, id string) error {
	m.calls[op]++
	for _, f := range m.faults {
		if f.op != op || (f.id != "" && f.id != id) || f.times == 0 {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func hashOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (m *Memory) List(ctx context.Context, dirID string) ([]*transport.RemoteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpList, dirID); err != nil {
		return nil, err
	}

	prefix := dirID + "/"
	var entries []*transport.RemoteEntry
	for id, obj := range m.objects {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		entries = append(entries, &transport.RemoteEntry{
			ID:      id,
			Path:    strings.TrimPrefix(id, prefix),
			Size:    int64(len(obj.data)),
			ModTime: obj.modTime,
			Hash:    hashOf(obj.data),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *Memory) Upload(ctx context.Context, localPath, dirID, name string) (*transport.RemoteEntry, error) {
	id := transport.JoinID(dirID, name)

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, transport.NewError("upload", id, transport.KindNotFound, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpUpload, id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj := &object{data: data, modTime: m.now()}
	m.objects[id] = obj
	return &transport.RemoteEntry{
		ID:      id,
		Path:    name,
		Size:    int64(len(data)),
		ModTime: obj.modTime,
		Hash:    hashOf(data),
	}, nil
}

func (m *Memory) Download(ctx context.Context, remoteID, localPath string) error {
	m.mu.Lock()
	if err := m.enter(OpDownload, remoteID); err != nil {
		m.mu.Unlock()
		return err
	}
	obj, ok := m.objects[remoteID]
	var data []byte
	if ok {
		data = append([]byte(nil), obj.data...)
	}
	m.mu.Unlock()

	if !ok {
		return transport.NewError("download", remoteID, transport.KindNotFound, fmt.Errorf("no such object"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := utils.WriteFileAtomic(localPath, bytes.NewReader(data), hashOf(data))
	return err
}

func (m *Memory) Delete(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpDelete, remoteID); err != nil {
		return err
	}
	if _, ok := m.objects[remoteID]; !ok {
		return transport.NewError("delete", remoteID, transport.KindNotFound, fmt.Errorf("no such object"))
	}
	delete(m.objects, remoteID)
	return nil
}

func (m *Memory) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	id := transport.JoinID(parentID, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpMkdir, id); err != nil {
		return "", err
	}
	m.folders[id] = struct{}{}
	return id, nil
}

var _ transport.Transport = (*Memory)(nil)

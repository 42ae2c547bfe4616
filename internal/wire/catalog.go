// Package wire defines the nebula device contract: the fixed catalog of
// endpoints and topics, their payload types, and the frame that carries them.
package wire

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/bardlex/nebula/pkg/errors"
)

// Key is the 64-bit wire identifier of a catalog path.
type Key uint64

// KeyOf derives the wire key of a path (FNV-1a).
func KeyOf(path string) Key {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return Key(h.Sum64())
}

// Kind distinguishes request/response endpoints from one-way topics.
type Kind uint8

const (
	KindEndpoint Kind = iota + 1
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Direction is the travel direction of a topic. Endpoints are always
// initiated by the host.
type Direction uint8

const (
	ToDevice Direction = iota + 1
	ToHost
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case ToHost:
		return "to-host"
	default:
		return "unknown"
	}
}

// Catalog paths.
const (
	PathUniqueID      = "poststation/unique_id/get"
	PathPicobootReset = "picoboot/reset"
	PathSleep         = "nebula/sleep"
	PathSetLED        = "nebula/led/set"
	PathInfo          = "nebula/info"
	PathError         = "nebula/error"

	PathJob      = "/nebula/job"
	PathStop     = "/nebula/stop"
	PathAsicTemp = "/nebula/asic_temp"
	PathShare    = "/nebula/share"
	PathLog      = "/nebula/log"
)

// Entry is one row of the catalog.
type Entry struct {
	Path      string
	Key       Key
	Kind      Kind
	Direction Direction
	Request   string // payload schema, for endpoints the request
	Response  string // endpoints only
}

// catalog is keyed by path constants, so a duplicated path does not compile.
// A path can only appear once, which also rules out a path being both an
// endpoint and a topic.
var catalog = map[string]Entry{
	PathUniqueID:      {Kind: KindEndpoint, Direction: ToDevice, Request: "()", Response: "u64"},
	PathPicobootReset: {Kind: KindEndpoint, Direction: ToDevice, Request: "()", Response: "!"},
	PathSleep:         {Kind: KindEndpoint, Direction: ToDevice, Request: "SleepMillis", Response: "SleptMillis"},
	PathSetLED:        {Kind: KindEndpoint, Direction: ToDevice, Request: "LedState", Response: "()"},
	PathInfo:          {Kind: KindEndpoint, Direction: ToDevice, Request: "()", Response: "Info"},
	PathError:         {Kind: KindTopic, Direction: ToHost, Request: "WireError"},

	PathJob:      {Kind: KindTopic, Direction: ToDevice, Request: "Job"},
	PathStop:     {Kind: KindTopic, Direction: ToDevice, Request: "()"},
	PathAsicTemp: {Kind: KindTopic, Direction: ToHost, Request: "i8"},
	PathShare:    {Kind: KindTopic, Direction: ToHost, Request: "Share"},
	PathLog:      {Kind: KindTopic, Direction: ToHost, Request: "str"},
}

var (
	byKey   map[Key]Entry
	entries []Entry
)

func init() {
	var err error
	byKey, entries, err = build(catalog)
	if err != nil {
		panic(err)
	}
}

// build fills in keys, rejects key collisions and malformed rows, and
// returns the lookup table plus the rows ordered by path.
func build(table map[string]Entry) (map[Key]Entry, []Entry, error) {
	index := make(map[Key]Entry, len(table))
	list := make([]Entry, 0, len(table))

	for path, e := range table {
		if path == "" {
			return nil, nil, fmt.Errorf("wire: empty path in catalog")
		}
		if e.Kind != KindEndpoint && e.Kind != KindTopic {
			return nil, nil, fmt.Errorf("wire: %s has no kind", path)
		}
		if e.Kind == KindEndpoint && e.Direction != ToDevice {
			return nil, nil, fmt.Errorf("wire: endpoint %s must be host-initiated", path)
		}
		e.Path = path
		e.Key = KeyOf(path)
		if prev, ok := index[e.Key]; ok {
			return nil, nil, fmt.Errorf("wire: key collision between %s and %s", prev.Path, path)
		}
		index[e.Key] = e
		list = append(list, e)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return index, list, nil
}

// Lookup resolves a wire key to its catalog row.
func Lookup(key Key) (Entry, bool) {
	e, ok := byKey[key]
	return e, ok
}

// Entries returns every catalog row ordered by path.
func Entries() []Entry {
	return append([]Entry(nil), entries...)
}

// Endpoint is a typed request/response catalog row.
type Endpoint[Req, Resp any] struct {
	Path     string
	Key      Key
	Request  Codec[Req]
	Response Codec[Resp]
}

// Topic is a typed one-way catalog row.
type Topic[T any] struct {
	Path      string
	Key       Key
	Direction Direction
	Message   Codec[T]

	// Rejects is the error type reported for a payload that fails to decode.
	Rejects errors.ErrorType
}

func endpoint[Req, Resp any](path string, req Codec[Req], resp Codec[Resp]) Endpoint[Req, Resp] {
	e, ok := catalog[path]
	if !ok || e.Kind != KindEndpoint {
		panic("wire: " + path + " is not a catalog endpoint")
	}
	return Endpoint[Req, Resp]{Path: path, Key: KeyOf(path), Request: req, Response: resp}
}

func topic[T any](path string, msg Codec[T]) Topic[T] {
	e, ok := catalog[path]
	if !ok || e.Kind != KindTopic {
		panic("wire: " + path + " is not a catalog topic")
	}
	return Topic[T]{Path: path, Key: KeyOf(path), Direction: e.Direction, Message: msg, Rejects: errors.ErrorTypeDecode}
}

func (t Topic[T]) rejecting(typ errors.ErrorType) Topic[T] {
	t.Rejects = typ
	return t
}

// Typed catalog.
var (
	GetUniqueID   = endpoint(PathUniqueID, EmptyCodec, Uint64Codec)
	PicobootReset = endpoint(PathPicobootReset, EmptyCodec, EmptyCodec)
	Sleep         = endpoint(PathSleep, SleepMillisCodec, SleptMillisCodec)
	SetLED        = endpoint(PathSetLED, LedStateCodec, EmptyCodec)
	GetInfo       = endpoint(PathInfo, EmptyCodec, InfoCodec)

	JobTopic      = topic(PathJob, JobCodec).rejecting(errors.ErrorTypeInvalidJob)
	StopTopic     = topic(PathStop, EmptyCodec)
	AsicTempTopic = topic(PathAsicTemp, Int8Codec)
	ShareTopic    = topic(PathShare, ShareCodec)
	LogTopic      = topic(PathLog, StringCodec)
	ErrorTopic    = topic(PathError, WireErrorCodec)
)

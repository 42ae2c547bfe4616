package wire

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/nebula/pkg/errors"
)

func TestCatalog_KeysUniqueAndOrdered(t *testing.T) {
	list := Entries()
	if len(list) != len(catalog) {
		t.Fatalf("Expected %d entries, got %d", len(catalog), len(list))
	}

	seen := make(map[Key]string)
	for i, e := range list {
		if i > 0 && list[i-1].Path >= e.Path {
			t.Errorf("Entries not ordered: %s before %s", list[i-1].Path, e.Path)
		}
		if prev, ok := seen[e.Key]; ok {
			t.Errorf("Key collision between %s and %s", prev, e.Path)
		}
		seen[e.Key] = e.Path

		got, ok := Lookup(e.Key)
		if !ok || got.Path != e.Path {
			t.Errorf("Lookup(%s) = %+v, %v", e.Path, got, ok)
		}
	}
}

func TestCatalog_Rows(t *testing.T) {
	tests := []struct {
		path string
		kind Kind
		dir  Direction
	}{
		{PathUniqueID, KindEndpoint, ToDevice},
		{PathPicobootReset, KindEndpoint, ToDevice},
		{PathSleep, KindEndpoint, ToDevice},
		{PathSetLED, KindEndpoint, ToDevice},
		{PathInfo, KindEndpoint, ToDevice},
		{PathJob, KindTopic, ToDevice},
		{PathStop, KindTopic, ToDevice},
		{PathAsicTemp, KindTopic, ToHost},
		{PathShare, KindTopic, ToHost},
		{PathLog, KindTopic, ToHost},
		{PathError, KindTopic, ToHost},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, ok := Lookup(KeyOf(tt.path))
			if !ok {
				t.Fatalf("Expected %s in catalog", tt.path)
			}
			if e.Kind != tt.kind || e.Direction != tt.dir {
				t.Errorf("Expected %s/%s, got %s/%s", tt.kind, tt.dir, e.Kind, e.Direction)
			}
		})
	}

	if _, ok := Lookup(KeyOf("nebula/unknown")); ok {
		t.Error("Expected unknown path to miss")
	}
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		table map[string]Entry
		want  string
	}{
		{
			name:  "empty path",
			table: map[string]Entry{"": {Kind: KindTopic, Direction: ToHost}},
			want:  "empty path",
		},
		{
			name:  "missing kind",
			table: map[string]Entry{"a": {Direction: ToHost}},
			want:  "no kind",
		},
		{
			name:  "device initiated endpoint",
			table: map[string]Entry{"a": {Kind: KindEndpoint, Direction: ToHost}},
			want:  "host-initiated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := build(tt.table)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCodecs_RoundTrip(t *testing.T) {
	v, n := uint32(0x20000000), uint32(0)

	job := Job{ID: 7, Version: 0x20000000, NTime: 1700000000, NBits: 0x207fffff}
	job.PrevBlockHash[0] = 0xaa
	job.MerkleRoot[31] = 0xbb

	check := func(t *testing.T, got, want any) {
		t.Helper()
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	}

	t.Run("u64", func(t *testing.T) {
		got, err := Uint64Codec.Decode(Uint64Codec.Encode(0xdeadbeefcafe))
		if err != nil {
			t.Fatal(err)
		}
		check(t, got, uint64(0xdeadbeefcafe))
	})
	t.Run("i8 negative", func(t *testing.T) {
		got, err := Int8Codec.Decode(Int8Codec.Encode(-40))
		if err != nil {
			t.Fatal(err)
		}
		check(t, got, int8(-40))
	})
	t.Run("info", func(t *testing.T) {
		info := Info{Version: "0.3.0", Chain: Chain{Asic: AsicBM1370, Count: 4}}
		got, err := InfoCodec.Decode(InfoCodec.Encode(info))
		if err != nil {
			t.Fatal(err)
		}
		check(t, got, info)
	})
	t.Run("job", func(t *testing.T) {
		got, err := JobCodec.Decode(JobCodec.Encode(job))
		if err != nil {
			t.Fatal(err)
		}
		check(t, got, job)
	})
	t.Run("share keeps zero rolled ntime", func(t *testing.T) {
		s := Share{JobID: 7, RolledVersion: &v, RolledNTime: &n, Nonce: 0}
		got, err := ShareCodec.Decode(ShareCodec.Encode(s))
		if err != nil {
			t.Fatal(err)
		}
		check(t, got, s)
	})
	t.Run("share without rolling", func(t *testing.T) {
		s := Share{JobID: 1, Nonce: 99}
		got, err := ShareCodec.Decode(ShareCodec.Encode(s))
		if err != nil {
			t.Fatal(err)
		}
		if got.RolledVersion != nil || got.RolledNTime != nil {
			t.Errorf("Expected no rolled fields, got %+v", got)
		}
	})
}

func TestCodecs_RejectMalformed(t *testing.T) {
	over := protowire.AppendTag(nil, 1, protowire.VarintType)
	over = protowire.AppendVarint(over, 0x10000)

	led := protowire.AppendTag(nil, 1, protowire.VarintType)
	led = protowire.AppendVarint(led, 2)

	shortHash := protowire.AppendTag(nil, 3, protowire.BytesType)
	shortHash = protowire.AppendBytes(shortHash, make([]byte, 31))

	badChain := InfoCodec.Encode(Info{Version: "x", Chain: Chain{Asic: AsicBM1366, Count: 0}})

	tests := []struct {
		name   string
		decode func() error
	}{
		{"sleep millis overflow", func() error { _, err := SleepMillisCodec.Decode(over); return err }},
		{"led state out of range", func() error { _, err := LedStateCodec.Decode(led); return err }},
		{"short prev hash", func() error { _, err := JobCodec.Decode(shortHash); return err }},
		{"zero chip chain", func() error { _, err := InfoCodec.Decode(badChain); return err }},
		{"truncated", func() error { _, err := JobCodec.Decode([]byte{0x08}); return err }},
		{"wrong wire type", func() error { _, err := Uint64Codec.Decode([]byte{0x0a, 0x00}); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode()
			if !errors.IsType(err, errors.ErrorTypeDecode) {
				t.Errorf("Expected decode error, got %v", err)
			}
		})
	}
}

func TestCodecs_SkipUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = append(b, SleepMillisCodec.Encode(SleepMillis{Millis: 50})...)

	got, err := SleepMillisCodec.Decode(b)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Millis != 50 {
		t.Errorf("Expected 50, got %d", got.Millis)
	}

	if _, err := EmptyCodec.Decode(b); err != nil {
		t.Errorf("Expected empty decode to ignore fields, got %v", err)
	}
}

func TestFrame_MarshalUnmarshal(t *testing.T) {
	f := Sleep.RequestFrame(12, SleepMillis{Millis: 250})
	got, err := UnmarshalFrame(f.Marshal())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Key != Sleep.Key || got.Seq != 12 || !bytes.Equal(got.Body, f.Body) {
		t.Errorf("Expected %+v, got %+v", f, got)
	}

	req, err := Sleep.DecodeRequest(got)
	if err != nil || req.Millis != 250 {
		t.Errorf("DecodeRequest = %+v, %v", req, err)
	}

	if _, err := UnmarshalFrame(protowire.AppendVarint(protowire.AppendTag(nil, 2, protowire.VarintType), 1)); !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Errorf("Expected keyless frame to be rejected, got %v", err)
	}
}

func TestEndpoint_DecodeResponse(t *testing.T) {
	ok := GetUniqueID.ResponseFrame(3, 0x1234)
	id, err := GetUniqueID.DecodeResponse(ok)
	if err != nil || id != 0x1234 {
		t.Errorf("DecodeResponse = %x, %v", id, err)
	}

	remote := ErrorFrame(3, errors.New(errors.ErrorTypePoolExhausted, "dispatch", "sleep pool full"))
	if remote.Seq != 3 {
		t.Errorf("Expected error frame seq 3, got %d", remote.Seq)
	}
	_, err = Sleep.DecodeResponse(remote)
	if !errors.IsType(err, errors.ErrorTypePoolExhausted) {
		t.Errorf("Expected pool exhausted, got %v", err)
	}
	if ctx := errors.GetContext(err); ctx["path"] != PathSleep {
		t.Errorf("Expected path context %s, got %v", PathSleep, ctx["path"])
	}

	_, err = Sleep.DecodeResponse(GetInfo.ResponseFrame(3, Info{}))
	if !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Errorf("Expected mismatched key to fail, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{errors.New(errors.ErrorTypeUnknownPath, "dispatch", "x"), ErrUnknownPath},
		{errors.New(errors.ErrorTypeInvalidJob, "submit", "x"), ErrInvalidJob},
		{errors.Wrap(errors.New(errors.ErrorTypeDecode, "d", "x"), errors.ErrorTypeDecode, "dispatch", "y"), ErrDecode},
		{errors.New(errors.ErrorTypeDatabase, "db", "x"), ErrInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseAsic(t *testing.T) {
	a, err := ParseAsic("BM1368")
	if err != nil || a != AsicBM1368 {
		t.Errorf("ParseAsic = %v, %v", a, err)
	}
	if _, err := ParseAsic("bm9999"); err == nil {
		t.Error("Expected unknown variant to fail")
	}
}

func TestTopic_Rejects(t *testing.T) {
	tests := []struct {
		path string
		got  errors.ErrorType
		want errors.ErrorType
	}{
		{PathJob, JobTopic.Rejects, errors.ErrorTypeInvalidJob},
		{PathStop, StopTopic.Rejects, errors.ErrorTypeDecode},
		{PathShare, ShareTopic.Rejects, errors.ErrorTypeDecode},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected %s to reject as %s, got %s", tt.path, tt.want, tt.got)
		}
	}
}

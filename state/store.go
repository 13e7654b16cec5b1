// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package state persists sensor states across restarts.
//
// A state file starts with a fixed binary header identifying the format. The
// remainder is a snappy-compressed stream of size-prefixed protobuf messages:
// a Timestamp recording when the file was saved, followed by one Struct record
// per sensor. Files are replaced atomically.
package state

import (
	"bufio"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iKaew/hass-linkstation-addon/sensor"
	"github.com/iKaew/hass-linkstation-addon/support/atomicfile"
	"github.com/iKaew/hass-linkstation-addon/support/logging"
	"github.com/iKaew/hass-linkstation-addon/support/protostream"

	"github.com/golang/protobuf/ptypes"
	"github.com/golang/protobuf/ptypes/struct"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// FormatVersion is the version of the state file format written by Save.
const FormatVersion = 1

var fileMagic = [4]byte{'L', 'S', 'S', 'T'}

// ErrUnsupportedFormat is returned when a state file isn't in a known format.
var ErrUnsupportedFormat = errors.New("unsupported state file format")

// fileHeader is the uncompressed header of a state file.
type fileHeader struct {
	Magic   [4]byte
	Version uint16 `struc:",little"`
	// Count is the number of sensor records that follow.
	Count uint32 `struc:",little"`
}

// Store holds the last known state of every sensor and persists it to a file.
//
// Store implements sensor.Restorer. It is safe for concurrent use.
type Store struct {
	// Path is the path of the state file.
	Path string
	// Logger, if not nil, is the logger to use.
	Logger logging.L
	// NowFunc, if not nil, is used to get the current time.
	NowFunc func() time.Time

	mu     sync.Mutex
	states map[string]sensor.State
	saved  time.Time
	dirty  bool
}

var _ sensor.Restorer = (*Store)(nil)

// Open returns a Store for path, loading it if it exists. A missing file
// yields an empty Store.
func Open(path string, logger logging.L) (*Store, error) {
	s := Store{
		Path:   path,
		Logger: logger,
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load replaces the Store's contents with the contents of its file.
func (s *Store) Load() error {
	fd, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.states, s.saved, s.dirty = nil, time.Time{}, false
			s.mu.Unlock()
			return nil
		}
		return errors.Wrapf(err, "opening state file %q", s.Path)
	}
	defer func() {
		_ = fd.Close()
	}()

	saved, states, err := decode(fd)
	if err != nil {
		return errors.Wrapf(err, "reading state file %q", s.Path)
	}

	s.mu.Lock()
	s.states, s.saved, s.dirty = states, saved, false
	s.mu.Unlock()

	logging.Must(s.Logger).Infof("Loaded %d sensor state(s) saved at %s.", len(states), saved)
	return nil
}

// Lookup implements sensor.Restorer.
func (s *Store) Lookup(uniqueID string) (sensor.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[uniqueID]
	return st, ok
}

// Update records st as its sensor's latest state.
func (s *Store) Update(st sensor.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states == nil {
		s.states = make(map[string]sensor.State)
	}
	s.states[st.UniqueID] = st
	s.dirty = true
}

// Len returns the number of states held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Saved returns the time at which the held states were last saved or loaded.
func (s *Store) Saved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// Save writes all held states to the Store's file. Save does nothing if no
// state has changed since the last Save or Load.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	now := s.now()
	states := make([]*sensor.State, 0, len(s.states))
	for id := range s.states {
		st := s.states[id]
		states = append(states, &st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UniqueID < states[j].UniqueID })

	err := atomicfile.Write(s.Path, func(fd *os.File) error {
		return encode(fd, now, states)
	})
	if err != nil {
		return errors.Wrapf(err, "writing state file %q", s.Path)
	}
	s.saved, s.dirty = now, false
	return nil
}

func (s *Store) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now()
}

func encode(w io.Writer, saved time.Time, states []*sensor.State) error {
	bw := bufio.NewWriter(w)
	fh := fileHeader{
		Magic:   fileMagic,
		Version: FormatVersion,
		Count:   uint32(len(states)),
	}
	if err := struc.Pack(bw, &fh); err != nil {
		return errors.Wrap(err, "writing file header")
	}
	sw := snappy.NewBufferedWriter(bw)

	var enc protostream.Encoder
	header, err := ptypes.TimestampProto(saved)
	if err != nil {
		return errors.Wrap(err, "encoding header")
	}
	if _, err := enc.Write(sw, header); err != nil {
		return errors.Wrap(err, "writing header")
	}

	for _, st := range states {
		rec, err := encodeState(st)
		if err != nil {
			return errors.Wrapf(err, "encoding %q", st.UniqueID)
		}
		if _, err := enc.Write(sw, rec); err != nil {
			return errors.Wrapf(err, "writing %q", st.UniqueID)
		}
	}

	if err := sw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func decode(r io.Reader) (time.Time, map[string]sensor.State, error) {
	br := bufio.NewReader(r)
	var fh fileHeader
	if err := struc.Unpack(br, &fh); err != nil {
		return time.Time{}, nil, errors.Wrap(err, "reading file header")
	}
	if fh.Magic != fileMagic || fh.Version != FormatVersion {
		return time.Time{}, nil, errors.Wrapf(ErrUnsupportedFormat, "magic %q version %d", fh.Magic[:], fh.Version)
	}

	sr := protostream.NewReader(snappy.NewReader(br))
	var dec protostream.Decoder

	var header timestamp.Timestamp
	if _, err := dec.Read(sr, &header); err != nil {
		return time.Time{}, nil, errors.Wrap(err, "reading header")
	}
	saved, err := ptypes.Timestamp(&header)
	if err != nil {
		return time.Time{}, nil, errors.Wrap(err, "invalid header")
	}

	states := make(map[string]sensor.State)
	for {
		var rec structpb.Struct
		if _, err := dec.Read(sr, &rec); err != nil {
			if err == io.EOF {
				if len(states) != int(fh.Count) {
					return time.Time{}, nil, errors.Errorf("expected %d record(s), found %d", fh.Count, len(states))
				}
				return saved, states, nil
			}
			return time.Time{}, nil, errors.Wrapf(err, "reading record #%d", len(states))
		}

		st, err := decodeState(&rec)
		if err != nil {
			return time.Time{}, nil, errors.Wrapf(err, "decoding record #%d", len(states))
		}
		states[st.UniqueID] = st
	}
}

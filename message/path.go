package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// MaxPathDepth bounds how many segments a request path may carry.
const MaxPathDepth = 32

var (
	ErrPathTooDeep    = errors.New("message: path exceeds maximum depth")
	ErrInvalidSegment = errors.New("message: invalid path segment")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Segment is one accessor in a member path: either a named member or an index.
//
// On the wire a named segment is a JSON string and an indexed one a JSON number,
// so ["handlers", "sim", 0] round-trips unchanged.
type Segment struct {
	Name    string
	Index   int
	Indexed bool
}

// Name returns a named-member segment.
func Name(name string) Segment { return Segment{Name: name} }

// Index returns an indexed-member segment.
func Index(i int) Segment { return Segment{Index: i, Indexed: true} }

func (s Segment) String() string {
	if s.Indexed {
		return strconv.Itoa(s.Index)
	}
	return s.Name
}

func (s Segment) MarshalJSON() ([]byte, error) {
	if s.Indexed {
		return json.Marshal(s.Index)
	}
	return json.Marshal(s.Name)
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidSegment
	}
	if data[0] == '"' {
		*s = Segment{}
		return json.Unmarshal(data, &s.Name)
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSegment, data)
	}
	*s = Index(i)
	return nil
}

// Path is the member chain from an exposed root to a target.
type Path []Segment

// ParsePath splits a dotted path. Purely numeric parts become indexed segments.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if i, err := strconv.Atoi(part); err == nil && i >= 0 {
			p = append(p, Index(i))
			continue
		}
		p = append(p, Name(part))
	}
	return p
}

// Append returns a new path extended by seg. The receiver is never modified.
func (p Path) Append(seg Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final segment, false for the empty path.
func (p Path) Last() (Segment, bool) {
	if len(p) == 0 {
		return Segment{}, false
	}
	return p[len(p)-1], true
}

// Validate rejects paths deeper than max segments.
func (p Path) Validate(max int) error {
	if max > 0 && len(p) > max {
		return fmt.Errorf("%w: %d > %d", ErrPathTooDeep, len(p), max)
	}
	return nil
}

func (p Path) Strings() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.String()
	}
	return out
}

func (p Path) String() string {
	return strings.Join(p.Strings(), ".")
}

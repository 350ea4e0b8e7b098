package tfevent

import (
	"fmt"
	"io"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Scalar is one decoded simple-value summary.
type Scalar struct {
	Tag   string
	Value float64
}

// Event is the decoded form of one record. Scalars holds the simple values
// the event carried; PluginTags maps metadata-only summary tags, such as the
// hparams session summaries, to the plugin that owns them.
type Event struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Scalars     []Scalar
	PluginTags  map[string]string
}

// Reader iterates over the records of a tfevents file.
type Reader struct {
	file *os.File
}

// Open opens an event file for reading.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %v", err)
	}
	return &Reader{file: file}, nil
}

// Next decodes the next event, returning io.EOF at the end of the file.
func (r *Reader) Next() (*Event, error) {
	payload, err := readRecord(r.file)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	event, err := parseEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event: %v", err)
	}
	return event, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll decodes every event in the file at path.
func ReadAll(path string) ([]Event, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []Event
	for {
		event, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
}

func parseEvent(b []byte) (*Event, error) {
	event := &Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEventWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			event.WallTime = math.Float64frombits(v)
			b = b[n:]
		case num == fieldEventStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			event.Step = int64(v)
			b = b[n:]
		case num == fieldEventFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			event.FileVersion = v
			b = b[n:]
		case num == fieldEventSummary && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if err := parseSummary(msg, event); err != nil {
				return nil, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return event, nil
}

func parseSummary(b []byte, event *Event) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if num == fieldSummaryValue && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := parseValue(msg, event); err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func parseValue(b []byte, event *Event) error {
	var (
		tag       string
		value     float64
		hasScalar bool
		plugin    string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldValueTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			tag = v
			b = b[n:]
		case num == fieldValueSimpleValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			value = float64(math.Float32frombits(v))
			hasScalar = true
			b = b[n:]
		case num == fieldValueMetadata && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			name, err := pluginNameOf(msg)
			if err != nil {
				return err
			}
			plugin = name
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	switch {
	case hasScalar:
		event.Scalars = append(event.Scalars, Scalar{Tag: tag, Value: value})
	case plugin != "":
		if event.PluginTags == nil {
			event.PluginTags = make(map[string]string)
		}
		event.PluginTags[tag] = plugin
	}
	return nil
}

func pluginNameOf(metadata []byte) (string, error) {
	b := metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]

		if num == fieldMetadataPluginData && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			return pluginName(msg)
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return "", nil
}

func pluginName(b []byte) (string, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]

		if num == fieldPluginName && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			return v, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return "", nil
}

package decoder

import (
	"errors"
	"io"

	"github.com/tidwall/gjson"

	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// detectVersion peeks at the first lines for a SPEC message declaring its
// protocol version. Lines are replayed afterwards, nothing is consumed.
func (s *Stream) detectVersion() {
	s.detected = true
	s.version = protocol.FallbackVersion

	s.lines.mark()
	defer s.lines.rewind()

	for i := 0; i < s.opts.DetectionLookahead; i++ {
		line, err := s.lines.next()
		if err != nil {
			var over *oversizedLine
			if errors.As(err, &over) {
				s.opts.Logger.Error("dropping oversized connector line",
					log.Int("size", over.size), log.Int("max_size", s.opts.MaxLineBytes))
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			break
		}
		if s.lines.markedBytes() > s.opts.DetectionBufferBytes {
			s.opts.Logger.Debug("protocol version detection buffer exceeded, using fallback",
				log.String("version", s.version.String()))
			return
		}
		if v, ok := specVersion(line); ok {
			s.version = v
			s.opts.Logger.Debug("detected connector protocol version", log.String("version", v.String()))
			return
		}
	}
	s.opts.Logger.Debug("no protocol version declared, using fallback", log.String("version", s.version.String()))
}

func specVersion(line []byte) (protocol.Version, bool) {
	if !gjson.ValidBytes(line) || gjson.GetBytes(line, "type").String() != string(protocol.TypeSpec) {
		return protocol.Version{}, false
	}
	raw := gjson.GetBytes(line, "spec.protocol_version")
	if !raw.Exists() {
		return protocol.Version{}, false
	}
	v, err := protocol.ParseVersion(raw.String())
	if err != nil {
		return protocol.Version{}, false
	}
	return v, true
}

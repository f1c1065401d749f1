package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxFrameSize = 1 << 20

// streamDone is the sentinel payload some servers send as the last frame.
const streamDone = "[DONE]"

type chatFrame struct {
	Message frameMessage `json:"message"`
}

type frameMessage struct {
	Content []frameContent `json:"content"`
}

type frameContent struct {
	Text string `json:"text"`
}

// DecodeFrames reads "data: <json>" lines from r and calls onText with the
// text of the first content block of each frame. Frames that fail to parse are
// skipped and counted. Lines without the data prefix (comments, event names,
// blank separators) are ignored. Decoding stops at EOF or a [DONE] frame.
func DecodeFrames(r io.Reader, onText func(string)) (dropped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if payload == streamDone {
			return dropped, nil
		}

		var frame chatFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			dropped++
			continue
		}
		if len(frame.Message.Content) == 0 {
			continue
		}
		if text := frame.Message.Content[0].Text; text != "" {
			onText(text)
		}
	}
	if err := scanner.Err(); err != nil {
		return dropped, fmt.Errorf("read stream: %w", err)
	}
	return dropped, nil
}

// EncodeFrame renders one text fragment in the wire format DecodeFrames reads.
func EncodeFrame(text string) ([]byte, error) {
	frame := chatFrame{Message: frameMessage{Content: []frameContent{{Text: text}}}}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}

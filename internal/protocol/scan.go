package protocol

import "bytes"

var header = []byte{Header1, Header2}

// ScanResponses is a bufio.SplitFunc that cuts a launcher byte stream into
// ResponseFrameLen windows starting at a 0x5A 0xA5 header. A window is only
// emitted when its source byte and checksum match; otherwise the search
// resumes one byte after the rejected header, so line noise that happens to
// contain a header cannot swallow the frame behind it. Bytes that cannot
// start a frame are discarded.
func ScanResponses(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return scanFrames(data, atEOF, ResponseFrameLen, SourceLauncher)
}

// ScanCommands is ScanResponses for CommandFrameLen windows, as seen from the
// launcher side of the link.
func ScanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return scanFrames(data, atEOF, CommandFrameLen, SourceApp)
}

func scanFrames(data []byte, atEOF bool, n int, source byte) (int, []byte, error) {
	for from := 0; ; {
		i := bytes.Index(data[from:], header)
		if i < 0 {
			// Keep a trailing first header byte, it may start the next frame.
			if !atEOF && len(data) > 0 && data[len(data)-1] == Header1 {
				return len(data) - 1, nil, nil
			}
			return len(data), nil, nil
		}
		i += from

		if len(data)-i > 2 && data[i+2] != source {
			from = i + 1
			continue
		}
		if len(data)-i < n {
			if atEOF {
				// A truncated frame at the end of the stream is dropped.
				return len(data), nil, nil
			}
			return i, nil, nil
		}
		frame := data[i : i+n]
		if Checksum(frame[:n-1]) != frame[n-1] {
			from = i + 1
			continue
		}
		return i + n, frame, nil
	}
}

package participants

import (
	"bytes"
	"context"

	"docsync/internal/workingcopy"
)

// textFunc adapts a pure content transform to a Participant.
type textFunc struct {
	name      string
	transform func([]byte) []byte
}

func (t textFunc) Name() string {
	return t.name
}

// Participate applies the transform to the model as a user edit, so the
// change is part of the save and can be undone. Binary content is left
// alone.
func (t textFunc) Participate(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
	model := target.Model()
	if model == nil {
		return nil
	}
	content, err := model.Snapshot(ctx)
	if err != nil {
		return err
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return nil
	}
	next := t.transform(content)
	if bytes.Equal(next, content) {
		return nil
	}
	return model.Update(ctx, next, workingcopy.OriginUserEdit)
}

// TrimTrailingWhitespace removes spaces and tabs at the end of every line.
func TrimTrailingWhitespace() Participant {
	return textFunc{name: "trimTrailingWhitespace", transform: trimTrailingWhitespace}
}

// InsertFinalNewline makes non-empty content end with a line break.
func InsertFinalNewline() Participant {
	return textFunc{name: "insertFinalNewline", transform: insertFinalNewline}
}

// TrimFinalNewlines collapses trailing line breaks into one.
func TrimFinalNewlines() Participant {
	return textFunc{name: "trimFinalNewlines", transform: trimFinalNewlines}
}

func trimTrailingWhitespace(content []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(content))
	for len(content) > 0 {
		line := content
		var eol []byte
		if i := bytes.IndexByte(content, '\n'); i >= 0 {
			line = content[:i]
			eol = content[i : i+1]
			content = content[i+1:]
		} else {
			content = nil
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
			eol = append([]byte("\r"), eol...)
		}
		out.Write(bytes.TrimRight(line, " \t"))
		out.Write(eol)
	}
	return out.Bytes()
}

func lineBreak(content []byte) []byte {
	if bytes.Contains(content, []byte("\r\n")) {
		return []byte("\r\n")
	}
	return []byte("\n")
}

func insertFinalNewline(content []byte) []byte {
	if len(content) == 0 || content[len(content)-1] == '\n' {
		return content
	}
	return append(append([]byte(nil), content...), lineBreak(content)...)
}

func trimFinalNewlines(content []byte) []byte {
	trimmed := bytes.TrimRight(content, "\r\n")
	if len(trimmed) == len(content) || len(trimmed) == 0 {
		return trimmed
	}
	return append(append([]byte(nil), trimmed...), lineBreak(content)...)
}

package folders

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// 修订块的三条注释，按此顺序写入。
const (
	commentRevision     = "Comment[Revision]"
	commentRevisionDate = "Comment[Revision Date]"
	commentRevisionLog  = "Comment[Revision Log]"

	publicationsSection = "INVESTIGATION PUBLICATIONS"
)

// RevisionBlock 是 i_Investigation.txt 中的修订注释。
type RevisionBlock struct {
	Number int
	Date   time.Time
	Log    string
}

func isRevisionComment(field string) bool {
	return field == commentRevision || field == commentRevisionDate || field == commentRevisionLog
}

func splitLines(content []byte) ([]string, string) {
	eol := "\n"
	if bytes.Contains(content, []byte("\r\n")) {
		eol = "\r\n"
	}
	text := strings.TrimSuffix(string(content), eol)
	if text == "" {
		return nil, eol
	}
	return strings.Split(text, eol), eol
}

func firstField(line string) string {
	field, _, _ := strings.Cut(line, "\t")
	return strings.Trim(strings.TrimSpace(field), `"`)
}

// RemoveRevisionBlock 删除全部修订注释行。
func RemoveRevisionBlock(content []byte) []byte {
	lines, eol := splitLines(content)
	kept := lines[:0]
	for _, line := range lines {
		if !isRevisionComment(firstField(line)) {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return []byte(strings.Join(kept, eol) + eol)
}

// UpdateRevisionBlock 删除旧的修订注释，并在 INVESTIGATION PUBLICATIONS 之前
// 插入新的三条注释；文件中没有该节时追加到末尾。换行风格保持不变。
func UpdateRevisionBlock(content []byte, block RevisionBlock) []byte {
	lines, eol := splitLines(RemoveRevisionBlock(content))
	logText := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", `"`, "'").Replace(block.Log)
	fresh := []string{
		commentRevision + "\t" + quote(strconv.Itoa(block.Number)),
		commentRevisionDate + "\t" + quote(block.Date.UTC().Format("2006-01-02")),
		commentRevisionLog + "\t" + quote(logText),
	}

	at := len(lines)
	for i, line := range lines {
		if firstField(line) == publicationsSection {
			at = i
			break
		}
	}
	out := make([]string, 0, len(lines)+len(fresh))
	out = append(out, lines[:at]...)
	out = append(out, fresh...)
	out = append(out, lines[at:]...)
	return []byte(strings.Join(out, eol) + eol)
}

// ReadRevisionBlock 读取修订注释；文件中没有修订号时 ok 为 false。
func ReadRevisionBlock(content []byte) (block RevisionBlock, ok bool, err error) {
	lines, _ := splitLines(content)
	for _, line := range lines {
		field, value, _ := strings.Cut(line, "\t")
		field = strings.Trim(strings.TrimSpace(field), `"`)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch field {
		case commentRevision:
			if block.Number, err = strconv.Atoi(value); err != nil {
				return block, false, err
			}
			ok = true
		case commentRevisionDate:
			if value != "" {
				if block.Date, err = time.Parse("2006-01-02", value); err != nil {
					return block, false, err
				}
			}
		case commentRevisionLog:
			block.Log = value
		}
	}
	return block, ok, nil
}

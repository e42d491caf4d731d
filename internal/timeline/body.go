package timeline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"grrshell/internal/model"

	"golang.org/x/text/encoding/charmap"
)

const bodyFieldCount = 11

// ParseBody reads a sleuthkit body export
// (md5|name|inode|mode|uid|gid|size|atime|mtime|ctime|crtime) and returns one entry per
// row. Rows that do not have the expected shape are skipped and counted.
func ParseBody(r io.Reader, platform model.Platform) ([]model.StatEntry, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	entries := []model.StatEntry{}
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !utf8.ValidString(line) {
			decoded, err := charmap.Windows1251.NewDecoder().String(line)
			if err != nil {
				skipped++
				continue
			}
			line = decoded
		}
		entry, err := parseBodyLine(line, platform)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read timeline body: %w", err)
	}
	return entries, skipped, nil
}

func parseBodyLine(line string, platform model.Platform) (model.StatEntry, error) {
	fields := splitBodyFields(line)
	if len(fields) != bodyFieldCount {
		return model.StatEntry{}, fmt.Errorf("expected %d fields, got %d", bodyFieldCount, len(fields))
	}
	name := fields[1]
	if name == "" {
		return model.StatEntry{}, fmt.Errorf("empty name")
	}
	entry := model.StatEntry{
		Path: remotePathToEFS(name, platform),
		Mode: fields[3],
	}
	if fields[0] != "" && fields[0] != "0" {
		entry.MD5 = fields[0]
	}
	var err error
	if entry.Inode, err = parseUint(fields[2]); err != nil {
		return model.StatEntry{}, err
	}
	if entry.UID, err = parseInt(fields[4]); err != nil {
		return model.StatEntry{}, err
	}
	if entry.GID, err = parseInt(fields[5]); err != nil {
		return model.StatEntry{}, err
	}
	if entry.Size, err = parseInt(fields[6]); err != nil {
		return model.StatEntry{}, err
	}
	times := []*time.Time{&entry.Atime, &entry.Mtime, &entry.Ctime, &entry.Btime}
	for i, target := range times {
		value, err := parseEpoch(fields[7+i])
		if err != nil {
			return model.StatEntry{}, err
		}
		*target = value
	}
	return entry, nil
}

// splitBodyFields splits on '|' while honouring the "\|" and "\\" escapes used for names.
func splitBodyFields(line string) []string {
	fields := make([]string, 0, bodyFieldCount)
	var current strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '\\' && i+1 < len(line) && (line[i+1] == '|' || line[i+1] == '\\') {
			current.WriteByte(line[i+1])
			i++
			continue
		}
		if c == '|' {
			fields = append(fields, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	return append(fields, current.String())
}

// remotePathToEFS converts a remote path to its EFS form. Windows paths such as
// C:\Users become /C:/Users.
func remotePathToEFS(name string, platform model.Platform) string {
	if platform == model.PlatformWindows || looksLikeDrivePath(name) {
		name = strings.ReplaceAll(name, `\`, "/")
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	if len(name) > 1 {
		name = strings.TrimRight(name, "/")
	}
	return name
}

func looksLikeDrivePath(name string) bool {
	name = strings.TrimPrefix(name, "/")
	return len(name) >= 2 && name[1] == ':' && isDriveLetter(name[0])
}

func isDriveLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func parseInt(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

func parseUint(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

func parseEpoch(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return time.Time{}, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

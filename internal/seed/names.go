package seed

import (
	"path"
	"strings"
)

const (
	directoryIdentifierMaxLength = 31
	fileIdentifierMaxLength      = 30
	volumeLabelMaxLength         = 32
)

// dCharacters is the identifier alphabet accepted by github.com/kdomanski/iso9660.
const dCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// GuestPath returns the path under which a file added as name is visible in
// the guest once the image is mounted without Rock Ridge extensions.
func GuestPath(name string) string {
	segments := splitPath(name)
	if len(segments) == 0 {
		return ""
	}
	for i, segment := range segments {
		if i == len(segments)-1 {
			segments[i] = strings.TrimSuffix(mangleFileName(segment), ";1")
			continue
		}
		segments[i] = mangleDString(segment, directoryIdentifierMaxLength)
	}
	return path.Join(segments...)
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, segment := range raw {
		if segment == "" || segment == "." {
			continue
		}
		out = append(out, segment)
	}
	return out
}

func mangleFileName(input string) string {
	parts := strings.Split(strings.ToLower(input), ".")

	const version = "1"
	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = mangleDString(parts[len(parts)-1], 8)
	}

	maxFilenameLen := fileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}
	filename = mangleDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";" + version
	}
	return filename + ";" + version
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		if strings.IndexByte(dCharacters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// VolumeLabel turns parts into an upper-case ISO volume identifier.
func VolumeLabel(parts ...string) string {
	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= volumeLabelMaxLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "VESSEL"
	}
	return b.String()
}

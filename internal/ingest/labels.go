package ingest

import (
	"fmt"
	"strings"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// SizeLabel возвращает человекочитаемый размер: 0B, 512B, 1.50GB.
func SizeLabel(size int64) string {
	if size <= 0 {
		return "0B"
	}
	value := float64(size)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%dB", size)
	}
	return fmt.Sprintf("%.2f%s", value, sizeUnits[unit])
}

// DisplayName дописывает .mkv к имени без видео-расширения.
func DisplayName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".mkv") || strings.HasSuffix(lower, ".mp4") {
		return name
	}
	return name + ".mkv"
}

// Caption дописывает suffix к подписи сообщения через пустую строку.
func Caption(caption, suffix string) string {
	if caption == "" {
		return suffix
	}
	return caption + "\n\n" + suffix
}

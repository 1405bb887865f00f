package utils

import (
	"path/filepath"
	"strings"
)

// SegmentationFilename 掩码下载文件名：<原文件名去扩展名>_segmentation.png
func SegmentationFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == "/" {
		base = ""
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "scan"
	}
	return base + "_segmentation.png"
}

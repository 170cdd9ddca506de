package common

import (
	"os"
	"strings"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// GetBootID 读取本次启动的 boot_id，用于判断两个进程是否在同一台机器上。
func GetBootID() (string, error) {
	data, err := os.ReadFile(bootIDPath)
	if err != nil {
		return "", NewSystemError("read boot_id", err)
	}
	return strings.TrimSpace(string(data)), nil
}

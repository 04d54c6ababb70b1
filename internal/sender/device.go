package sender

import (
	"errors"
	"strings"
)

var (
	// ErrDeviceLocked 表示硬件钱包处于锁定状态。
	ErrDeviceLocked = errors.New("hardware wallet is locked")
	// ErrDeviceDisconnected 表示硬件钱包连接已断开。
	ErrDeviceDisconnected = errors.New("hardware wallet disconnected")
)

// deviceMarkers 是签名设备在错误中携带的片段，对应用户解锁或重连设备即可解决的状态。
var deviceMarkers = []string{
	"DISCONNECTED",
	"LockedDeviceError",
	"TransportStatusError",
	"TransportOpenUserCancelled",
	"DeviceLocked",
}

// IsDeviceCondition 判断 err 是否为应静默上报的设备状态。
func IsDeviceCondition(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceLocked) || errors.Is(err, ErrDeviceDisconnected) {
		return true
	}
	msg := err.Error()
	for _, marker := range deviceMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

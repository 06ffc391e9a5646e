package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// 已知 USB 转串芯片的 VID
var usbSerialVIDs = map[string]string{
	"303A": "Espressif",
	"2341": "Arduino",
	"10C4": "CP210x",
	"1A86": "CH340",
	"0403": "FT232",
	"067B": "PL2303",
}

// listPorts 可注入，测试时替换枚举结果
var listPorts = enumerator.GetDetailedPortsList

// DiscoverPort 自动识别雷达桥接设备所在的串口。
// 优先级：ESP32/Espressif > Arduino > 已知USB转串芯片 > 任意非蓝牙端口。
func DiscoverPort(logger *zap.Logger) (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}

	for _, p := range ports {
		logger.Debug("Serial port candidate",
			zap.String("name", p.Name),
			zap.String("product", p.Product),
			zap.String("vid", p.VID),
			zap.Bool("is_usb", p.IsUSB),
		)
	}

	// 1. ESP32 / Espressif
	for _, p := range ports {
		product := strings.ToLower(p.Product)
		if strings.EqualFold(p.VID, "303A") || strings.Contains(product, "espressif") ||
			strings.Contains(product, "esp32") || strings.Contains(product, "esp-32") {
			logger.Info("ESP32 device detected", zap.String("port", p.Name))
			return p.Name, nil
		}
	}

	// 2. Arduino
	for _, p := range ports {
		product := strings.ToLower(p.Product)
		if strings.EqualFold(p.VID, "2341") || strings.Contains(product, "arduino") ||
			strings.Contains(product, "uno") || strings.Contains(product, "nano") {
			logger.Info("Arduino device detected", zap.String("port", p.Name))
			return p.Name, nil
		}
	}

	// 3. 常见USB转串芯片或USB设备名模式
	for _, p := range ports {
		product := strings.ToLower(p.Product)
		name := strings.ToLower(p.Name)
		if _, known := usbSerialVIDs[strings.ToUpper(p.VID)]; known ||
			strings.Contains(product, "cp210") || strings.Contains(product, "ch340") ||
			strings.Contains(product, "ft232") || strings.Contains(product, "pl2303") ||
			strings.Contains(name, "ttyusb") || strings.Contains(name, "ttyacm") ||
			strings.Contains(name, "usbmodem") {
			logger.Info("USB-serial adapter detected", zap.String("port", p.Name))
			return p.Name, nil
		}
	}

	// 4. 最后手段：第一个非蓝牙端口
	for _, p := range ports {
		name := strings.ToLower(p.Name)
		product := strings.ToLower(p.Product)
		if strings.Contains(name, "bluetooth") || strings.Contains(product, "bluetooth") ||
			strings.Contains(name, "debug-console") || strings.Contains(name, "incoming-port") {
			continue
		}
		logger.Warn("Falling back to first non-bluetooth port", zap.String("port", p.Name))
		return p.Name, nil
	}

	return "", fmt.Errorf("no usable serial port among %d candidates", len(ports))
}

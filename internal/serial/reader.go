package serial

import (
	"time"

	goserial "go.bug.st/serial"

	"rasp-beluga/internal/models"
)

// FrameReader 从串口读取字节并交给组装器切帧
type FrameReader struct {
	port      goserial.Port
	assembler *FrameAssembler
	buf       []byte
}

// NewFrameReader 创建帧读取器；读超时由调用方在端口上配置
func NewFrameReader(port goserial.Port, assembler *FrameAssembler) *FrameReader {
	return &FrameReader{
		port:      port,
		assembler: assembler,
		buf:       make([]byte, 4096),
	}
}

// Poll 读取一次串口并返回本次完成的帧。
// 读超时返回 (nil, nil)；I/O 错误原样上抛由监督器处置。
func (r *FrameReader) Poll(now time.Time) ([]models.RawFrame, error) {
	n, err := r.port.Read(r.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.assembler.Push(r.buf[:n], now), nil
}

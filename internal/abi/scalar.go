package abi

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

func writeScalar(sb *strings.Builder, kind NodeKind, data []byte) {
	switch kind {
	case Float32:
		bits := binary.LittleEndian.Uint32(data)
		fmt.Fprintf(sb, "%g", math.Float32frombits(bits))
	case Float64:
		bits := binary.LittleEndian.Uint64(data)
		fmt.Fprintf(sb, "%g", math.Float64frombits(bits))
	case Int32:
		fmt.Fprintf(sb, "%d", int32(binary.LittleEndian.Uint32(data)))
	case Int64:
		fmt.Fprintf(sb, "%d", int64(binary.LittleEndian.Uint64(data)))
	}
}

package netbridge

import "encoding/binary"

// decodeNetIO reads the data-pointer/length pair out of a netwrite or
// netread request struct: { uint64 data_addr; uint64 len; int64 ret; }.
func decodeNetIO(req []byte) (addr uint64, length int) {
	return binary.LittleEndian.Uint64(req[0:]), int(binary.LittleEndian.Uint64(req[8:]))
}

// encodeRet writes a signed result into the ret field of a
// netwrite/netread request struct, distinct from the len field so a
// successful zero-length transfer is distinguishable from an error.
func encodeRet(req []byte, n int) {
	binary.LittleEndian.PutUint64(req[16:], uint64(int64(n)))
}

// encodeLen overwrites the len field with the actual byte count a
// netread transferred.
func encodeLen(req []byte, n int) {
	binary.LittleEndian.PutUint64(req[8:], uint64(n))
}

// encodeU32 writes a little-endian uint32 status code.
func encodeU32(req []byte, v uint32) {
	binary.LittleEndian.PutUint32(req, v)
}

package portbus

import (
	"encoding/binary"
	"os"
	"syscall"
)

// writeReq mirrors struct write { fd, buf, len }.
type writeReq struct {
	FD  int32
	Buf uint64
	Len uint64
}

// ExitFunc is invoked by the EXIT handler with the guest's status
// code. It is not told which vCPU issued the EXIT, so it cannot tell
// a primary-vCPU exit from a secondary one; cmd/uhyve ends the whole
// process for an EXIT from any vCPU.
type ExitFunc func(status int32)

// FileOps is the host syscall surface the file-I/O handlers call
// through, letting callers stub it out in tests.
type FileOps interface {
	Write(fd int, p []byte) (int, error)
	Read(fd int, p []byte) (int, error)
	Open(name string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Lseek(fd int, offset int64, whence int) (int64, error)
}

// osFileOps is the default FileOps backed by real host syscalls.
type osFileOps struct{}

func (osFileOps) Write(fd int, p []byte) (int, error) { return syscall.Write(fd, p) }
func (osFileOps) Read(fd int, p []byte) (int, error)  { return syscall.Read(fd, p) }

func (osFileOps) Open(name string, flags int, mode uint32) (int, error) {
	return syscall.Open(name, flags, mode)
}

func (osFileOps) Close(fd int) error { return syscall.Close(fd) }

func (osFileOps) Lseek(fd int, offset int64, whence int) (int64, error) {
	return syscall.Seek(fd, offset, whence)
}

// OSFileOps is the default FileOps implementation, using real host
// syscalls.
var OSFileOps FileOps = osFileOps{}

// WriteHandler services the WRITE port: struct.len is overwritten
// with the return value of a host write(2) of struct.len bytes from
// guest memory at struct.buf.
func WriteHandler(ops FileOps) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 20)

		fd := int32(binary.LittleEndian.Uint32(req[0:]))
		buf := binary.LittleEndian.Uint64(req[4:])
		length := binary.LittleEndian.Uint64(req[12:])

		data := tr(buf, int(length))

		n, err := ops.Write(int(fd), data)
		if err != nil {
			n = -1
		}

		binary.LittleEndian.PutUint64(req[12:], uint64(int64(n)))

		return nil
	}
}

// ReadHandler services the READ port symmetrically to WriteHandler.
func ReadHandler(ops FileOps) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 20)

		fd := int32(binary.LittleEndian.Uint32(req[0:]))
		buf := binary.LittleEndian.Uint64(req[4:])
		length := binary.LittleEndian.Uint64(req[12:])

		data := tr(buf, int(length))

		n, err := ops.Read(int(fd), data)
		if err != nil {
			n = -1
		}

		binary.LittleEndian.PutUint64(req[12:], uint64(int64(n)))

		return nil
	}
}

// OpenHandler services the OPEN port: struct.ret receives the fd or
// -1 from a host open(2) of the NUL-terminated name at struct.name.
// The struct is packed as { u64 name; i32 flags; u32 mode; i32 ret }.
func OpenHandler(ops FileOps) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 20)

		nameAddr := binary.LittleEndian.Uint64(req[0:])
		flags := int32(binary.LittleEndian.Uint32(req[8:]))
		mode := binary.LittleEndian.Uint32(req[12:])

		name := readCString(tr(nameAddr, 4096))

		fd, err := ops.Open(name, int(flags), mode)
		if err != nil {
			fd = -1
		}

		binary.LittleEndian.PutUint32(req[16:], uint32(int32(fd)))

		return nil
	}
}

// CloseHandler services the CLOSE port: fds 0,1,2 are never closed by
// the guest, matching host stdio lifetime.
func CloseHandler(ops FileOps) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 8)

		fd := int32(binary.LittleEndian.Uint32(req[0:]))

		var ret int32

		if fd > 2 {
			if err := ops.Close(int(fd)); err != nil {
				ret = -1
			}
		}

		binary.LittleEndian.PutUint32(req[4:], uint32(ret))

		return nil
	}
}

// LseekHandler services the LSEEK port.
func LseekHandler(ops FileOps) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 24)

		fd := int32(binary.LittleEndian.Uint32(req[0:]))
		offset := int64(binary.LittleEndian.Uint64(req[8:]))
		whence := int32(binary.LittleEndian.Uint32(req[16:]))

		newOff, err := ops.Lseek(int(fd), offset, int(whence))
		if err != nil {
			newOff = -1
		}

		binary.LittleEndian.PutUint64(req[8:], uint64(newOff))

		return nil
	}
}

// ExitHandler services the EXIT port: the 32-bit guest value at gpa is
// forwarded verbatim to onExit.
func ExitHandler(onExit ExitFunc) Handler {
	return func(gpa uint64, tr Translator) error {
		req := tr(gpa, 4)
		status := int32(binary.LittleEndian.Uint32(req))
		onExit(status)

		return nil
	}
}

func readCString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}

	return string(buf)
}

// ReportExitStatus is used by cmd/uhyve when forwarding a guest EXIT
// value as the process' own exit code; -14 (EFAULT) is reported
// distinctly since it commonly indicates the guest took an exception.
func ReportExitStatus(status int32) int {
	if status == -14 {
		os.Stderr.WriteString("uhyve: guest exited with -14: did the guest receive an exception?\n")
	}

	return int(status)
}

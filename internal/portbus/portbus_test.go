package portbus

import (
	"encoding/binary"
	"errors"
	"testing"
)

func fakeTranslator(mem []byte) Translator {
	return func(gpa uint64, length int) []byte {
		return mem[gpa : gpa+uint64(length)]
	}
}

func TestDispatchUnknownPort(t *testing.T) {
	b := New(fakeTranslator(make([]byte, 4096)))

	data := make([]byte, 4)
	if err := b.Dispatch(0x999, data); err == nil {
		t.Error("Dispatch: expected error for unregistered port")
	}
}

func TestDispatchShortPayload(t *testing.T) {
	b := New(fakeTranslator(make([]byte, 4096)))
	b.Register(Write, func(gpa uint64, tr Translator) error { return nil })

	if err := b.Dispatch(Write, []byte{1, 2}); err == nil {
		t.Error("Dispatch: expected error for short io payload")
	}
}

type fakeFileOps struct {
	writeN int
	writeErr error
}

func (f *fakeFileOps) Write(fd int, p []byte) (int, error) { return f.writeN, f.writeErr }
func (f *fakeFileOps) Read(fd int, p []byte) (int, error)  { return 0, nil }
func (f *fakeFileOps) Open(name string, flags int, mode uint32) (int, error) {
	return 0, nil
}
func (f *fakeFileOps) Close(fd int) error { return nil }
func (f *fakeFileOps) Lseek(fd int, offset int64, whence int) (int64, error) {
	return 0, nil
}

func TestWriteHandler(t *testing.T) {
	mem := make([]byte, 4096)
	tr := fakeTranslator(mem)

	const reqAddr = 0x100
	const bufAddr = 0x200

	copy(mem[bufAddr:], "hello")
	binary.LittleEndian.PutUint32(mem[reqAddr:], 1) // fd
	binary.LittleEndian.PutUint64(mem[reqAddr+4:], bufAddr)
	binary.LittleEndian.PutUint64(mem[reqAddr+12:], 5)

	ops := &fakeFileOps{writeN: 5}

	if err := WriteHandler(ops)(reqAddr, tr); err != nil {
		t.Fatalf("WriteHandler: %v", err)
	}

	if got := int64(binary.LittleEndian.Uint64(mem[reqAddr+12:])); got != 5 {
		t.Errorf("struct.len = %d, want 5", got)
	}
}

func TestWriteHandlerError(t *testing.T) {
	mem := make([]byte, 4096)
	tr := fakeTranslator(mem)

	const reqAddr = 0x100

	binary.LittleEndian.PutUint32(mem[reqAddr:], 99)
	binary.LittleEndian.PutUint64(mem[reqAddr+4:], 0x200)
	binary.LittleEndian.PutUint64(mem[reqAddr+12:], 3)

	ops := &fakeFileOps{writeErr: errors.New("bad fd")}

	if err := WriteHandler(ops)(reqAddr, tr); err != nil {
		t.Fatalf("WriteHandler: %v", err)
	}

	if got := int64(binary.LittleEndian.Uint64(mem[reqAddr+12:])); got != -1 {
		t.Errorf("struct.len = %d, want -1 on error", got)
	}
}

func TestCloseHandlerKeepsStdio(t *testing.T) {
	mem := make([]byte, 4096)
	tr := fakeTranslator(mem)

	const reqAddr = 0x100

	binary.LittleEndian.PutUint32(mem[reqAddr:], 1) // stdout

	called := false
	ops := &closeTrackingOps{fakeFileOps{}, &called}

	if err := CloseHandler(ops)(reqAddr, tr); err != nil {
		t.Fatalf("CloseHandler: %v", err)
	}

	if called {
		t.Error("CloseHandler: host Close called for fd <= 2")
	}
}

type closeTrackingOps struct {
	fakeFileOps
	closed *bool
}

func (c *closeTrackingOps) Close(fd int) error {
	*c.closed = true

	return nil
}

func TestCmdSizeAndVal(t *testing.T) {
	mem := make([]byte, 4096)
	tr := fakeTranslator(mem)

	argv := []string{"init", "--flag"}
	envp := []string{"PATH=/bin"}

	const sizeAddr = 0x100

	if err := CmdSizeHandler(argv, envp)(sizeAddr, tr); err != nil {
		t.Fatalf("CmdSizeHandler: %v", err)
	}

	if got := binary.LittleEndian.Uint32(mem[sizeAddr:]); got != uint32(len(argv)) {
		t.Errorf("argc = %d, want %d", got, len(argv))
	}

	const ptrAddr = 0x200
	const strBase = 0x300

	ptrs := mem[ptrAddr:]
	binary.LittleEndian.PutUint64(ptrs[0:], strBase)
	binary.LittleEndian.PutUint64(ptrs[8:], strBase+32)
	binary.LittleEndian.PutUint64(ptrs[16:], strBase+64)

	if err := CmdValHandler(argv, envp)(ptrAddr, tr); err != nil {
		t.Fatalf("CmdValHandler: %v", err)
	}

	if got := readCString(mem[strBase:]); got != "init" {
		t.Errorf("argv[0] = %q, want %q", got, "init")
	}

	if got := readCString(mem[strBase+32:]); got != "--flag" {
		t.Errorf("argv[1] = %q, want %q", got, "--flag")
	}
}

package netbridge

import (
	"encoding/binary"
	"net"
	"testing"
)

func fakeTranslator(mem []byte) func(gpa uint64, length int) []byte {
	return func(gpa uint64, length int) []byte {
		return mem[gpa : gpa+uint64(length)]
	}
}

func TestResolveMACOverride(t *testing.T) {
	mac, err := resolveMAC("02:00:00:00:00:01")
	if err != nil {
		t.Fatalf("resolveMAC: %v", err)
	}

	if mac.String() != "02:00:00:00:00:01" {
		t.Errorf("mac = %s, want 02:00:00:00:00:01", mac)
	}
}

func TestResolveMACInvalid(t *testing.T) {
	if _, err := resolveMAC("not-a-mac"); err == nil {
		t.Error("resolveMAC: expected error for malformed override")
	}
}

func TestResolveMACGenerated(t *testing.T) {
	mac, err := resolveMAC("")
	if err != nil {
		t.Fatalf("resolveMAC: %v", err)
	}

	if mac[0]&0x01 != 0 {
		t.Error("generated MAC has multicast bit set")
	}

	if mac[0]&0x02 == 0 {
		t.Error("generated MAC missing locally-administered bit")
	}
}

func TestNetInfoHandler(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	b := &Bridge{mac: mac}

	mem := make([]byte, 4096)
	tr := fakeTranslator(mem)

	if err := b.NetInfoHandler()(0x100, tr); err != nil {
		t.Fatalf("NetInfoHandler: %v", err)
	}

	if got := string(mem[0x100:0x100+17]); got != "02:00:00:00:00:01" {
		t.Errorf("netinfo = %q, want %q", got, "02:00:00:00:00:01")
	}
}

func TestDecodeEncodeNetIO(t *testing.T) {
	req := make([]byte, 24)
	binary.LittleEndian.PutUint64(req[0:], 0x200)
	binary.LittleEndian.PutUint64(req[8:], 64)

	addr, length := decodeNetIO(req)
	if addr != 0x200 || length != 64 {
		t.Errorf("decodeNetIO = (%#x, %d), want (0x200, 64)", addr, length)
	}

	encodeRet(req, -1)

	if got := int64(binary.LittleEndian.Uint64(req[16:])); got != -1 {
		t.Errorf("encodeRet: ret = %d, want -1", got)
	}

	if got := binary.LittleEndian.Uint64(req[8:]); got != 64 {
		t.Errorf("encodeRet must not touch len: len = %d, want 64", got)
	}

	encodeLen(req, 60)

	if got := binary.LittleEndian.Uint64(req[8:]); got != 60 {
		t.Errorf("encodeLen: len = %d, want 60", got)
	}
}

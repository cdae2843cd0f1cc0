package portbus

import "encoding/binary"

// CmdSizeHandler services the CMDSIZE port: the guest passes a
// pointer to { argc, argsz[], envc, envsz[] } and reads back the
// counts and per-entry lengths (NUL included) of argv/envp, so it can
// size its own buffers before CMDVAL.
func CmdSizeHandler(argv, envp []string) Handler {
	return func(gpa uint64, tr Translator) error {
		// argc(4) + argsz[argc](4 each) + envc(4) + envsz[envc](4 each)
		size := 8 + 4*(len(argv)+len(envp))
		req := tr(gpa, size)

		binary.LittleEndian.PutUint32(req[0:], uint32(len(argv)))

		off := 4
		for _, a := range argv {
			binary.LittleEndian.PutUint32(req[off:], uint32(len(a)+1))
			off += 4
		}

		binary.LittleEndian.PutUint32(req[off:], uint32(len(envp)))
		off += 4

		for _, e := range envp {
			binary.LittleEndian.PutUint32(req[off:], uint32(len(e)+1))
			off += 4
		}

		return nil
	}
}

// CmdValHandler services the CMDVAL port: the guest has already
// allocated argv[]/envp[] buffers of the sizes CMDSIZE reported, and
// passes their guest-physical pointers; this copies each string
// (NUL-terminated) into place.
func CmdValHandler(argv, envp []string) Handler {
	return func(gpa uint64, tr Translator) error {
		ptrs := tr(gpa, 8*(len(argv)+len(envp)))

		off := 0

		for _, a := range argv {
			dst := binary.LittleEndian.Uint64(ptrs[off:])
			copyCString(tr, dst, a)
			off += 8
		}

		for _, e := range envp {
			dst := binary.LittleEndian.Uint64(ptrs[off:])
			copyCString(tr, dst, e)
			off += 8
		}

		return nil
	}
}

func copyCString(tr Translator, gpa uint64, s string) {
	buf := tr(gpa, len(s)+1)
	copy(buf, s)
	buf[len(s)] = 0
}

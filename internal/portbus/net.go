package portbus

// NetInfoReqSize is the size of struct netinfo { mac_str[18] }.
const NetInfoReqSize = 18

// NetIOReqSize is the size of struct netwrite/netread { data, len, ret }.
const NetIOReqSize = 24

// NetStatReqSize is the size of struct netstat { status }.
const NetStatReqSize = 4

// Netstat status values reported back to the guest.
const (
	NetStatReadable uint32 = 1
	NetStatIdle     uint32 = 0
)

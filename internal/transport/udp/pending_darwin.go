package udp

// pendingRequest is FIONREAD, _IOR('f', 127, int); x/sys/unix does not
// export it for darwin.
const pendingRequest = 0x4004667f

package mesh

// MeshCtrl is the one-byte control field at the start of every mesh
// header: six flag bits and a two-bit protocol version in the low bits.
// Converting a byte to MeshCtrl and back is the identity for all 256
// values.
type MeshCtrl uint8

// Control byte bit masks.
const (
	CtrlAType MeshCtrl = 0x80
	CtrlSuper MeshCtrl = 0x40
	CtrlRReq  MeshCtrl = 0x20
	CtrlFail  MeshCtrl = 0x10
	CtrlPrior MeshCtrl = 0x08
	CtrlTBD1  MeshCtrl = 0x04
)

// VersionMask covers the two low bits of the control byte.
const VersionMask MeshCtrl = 0x03

func (c MeshCtrl) AType() bool { return c&CtrlAType != 0 }
func (c MeshCtrl) Super() bool { return c&CtrlSuper != 0 }
func (c MeshCtrl) RReq() bool  { return c&CtrlRReq != 0 }
func (c MeshCtrl) Fail() bool  { return c&CtrlFail != 0 }
func (c MeshCtrl) Prior() bool { return c&CtrlPrior != 0 }
func (c MeshCtrl) TBD1() bool  { return c&CtrlTBD1 != 0 }

// Version returns the two-bit protocol version.
func (c MeshCtrl) Version() uint8 { return uint8(c & VersionMask) }

func (c *MeshCtrl) SetAType(on bool) { c.setFlag(CtrlAType, on) }
func (c *MeshCtrl) SetSuper(on bool) { c.setFlag(CtrlSuper, on) }
func (c *MeshCtrl) SetRReq(on bool)  { c.setFlag(CtrlRReq, on) }
func (c *MeshCtrl) SetFail(on bool)  { c.setFlag(CtrlFail, on) }
func (c *MeshCtrl) SetPrior(on bool) { c.setFlag(CtrlPrior, on) }
func (c *MeshCtrl) SetTBD1(on bool)  { c.setFlag(CtrlTBD1, on) }

// SetVersion stores the low two bits of v.
func (c *MeshCtrl) SetVersion(v uint8) {
	*c = *c&^VersionMask | MeshCtrl(v)&VersionMask
}

func (c *MeshCtrl) setFlag(mask MeshCtrl, on bool) {
	if on {
		*c |= mask
	} else {
		*c &^= mask
	}
}

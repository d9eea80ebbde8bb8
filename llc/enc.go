package llc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
)

// StartEncryption starts encryption with ltk, or refreshes the key of an
// encrypted link. A request made while keys are changing is kept and run
// once the current procedure ends. Master only.
func (l *Link) StartEncryption(rand uint64, ediv uint16, ltk [16]byte) error {
	if err := l.usable(); err != nil {
		return err
	}
	if l.env.Role != ll.RoleMaster {
		return errors.Wrap(ll.StatusCommandDisallowed, "encryption started by a slave")
	}
	k := encKey{rand: rand, ediv: ediv, ltk: ltk}

	if l.env.Enc&EncFlowOff != 0 {
		if l.env.Enc&EncRefreshPending != 0 {
			return errors.Wrap(ll.ErrBusy, "key refresh already queued")
		}
		l.env.pendingKey = k
		l.env.Enc |= EncRefreshPending
		l.log.Debug("key refresh queued")
		return nil
	}
	if err := l.hasBuffer(); err != nil {
		return err
	}
	l.env.key = k
	if l.env.Enc&(EncTx|EncRx) != 0 {
		return l.pause()
	}
	return l.encReq()
}

func (l *Link) pause() error {
	if err := l.sendCtrl(PauseEncReq{}, tagCtrl); err != nil {
		return err
	}
	l.env.Enc |= EncFlowOff
	l.env.refreshing = true
	l.startProc()
	return nil
}

func (l *Link) encReq() error {
	l.env.skdm = l.rand.Uint64()
	l.env.ivm = l.rand.Uint32()
	req := EncReq{Rand: l.env.key.rand, EDIV: l.env.key.ediv, SKDm: l.env.skdm, IVm: l.env.ivm}
	if err := l.sendCtrl(req, tagCtrl); err != nil {
		return err
	}
	l.env.Enc |= EncFlowOff
	l.startProc()
	return nil
}

// deriveKey computes the session key and IV from the exchanged material.
func (l *Link) deriveKey() error {
	sk, err := SessionKey(l.env.key.ltk, l.env.skdm, l.env.skds)
	if err != nil {
		return err
	}
	l.env.sk = sk
	l.env.iv = SessionIV(l.env.ivm, l.env.ivs)
	return nil
}

func (l *Link) encRspRx(v EncRsp) {
	if l.env.Role != ll.RoleMaster || l.env.Enc&EncFlowOff == 0 {
		l.log.Warn("unexpected LL_ENC_RSP")
		return
	}
	l.env.skds, l.env.ivs = v.SKDs, v.IVs
	if err := l.deriveKey(); err != nil {
		l.log.Error(err)
		l.encFailed(ll.StatusUnspecified)
		return
	}
	l.s.SetEncryption(l.ev, false, true, l.env.sk, l.env.iv)
}

func (l *Link) startEncReqRx() {
	if l.env.Role != ll.RoleMaster || l.env.Enc&EncFlowOff == 0 {
		l.log.Warn("unexpected LL_START_ENC_REQ")
		return
	}
	l.s.SetEncryption(l.ev, true, true, l.env.sk, l.env.iv)
	l.reply(StartEncRsp{})
}

func (l *Link) startEncRspRx() {
	if l.env.Enc&EncFlowOff == 0 {
		l.log.Warn("unexpected LL_START_ENC_RSP")
		return
	}
	if l.env.Role == ll.RoleSlave {
		l.s.SetEncryption(l.ev, true, true, l.env.sk, l.env.iv)
		l.reply(StartEncRsp{})
	}
	l.encDone()
}

func (l *Link) encReqRx(v EncReq) {
	if l.env.Role != ll.RoleSlave {
		l.reply(UnknownRsp{Type: OpEncReq})
		return
	}
	l.env.key = encKey{rand: v.Rand, ediv: v.EDIV}
	l.env.skdm, l.env.ivm = v.SKDm, v.IVm
	l.env.skds = l.rand.Uint64()
	l.env.ivs = l.rand.Uint32()
	l.reply(EncRsp{SKDs: l.env.skds, IVs: l.env.ivs})
	l.env.Enc |= EncFlowOff
	l.env.waitLTK = true
	l.startProc()
	l.notify(ll.LongTermKeyRequest{ConnHandle: l.h, Rand: v.Rand, EDIV: v.EDIV})
}

// LTKReply answers a LongTermKeyRequest on the slave.
func (l *Link) LTKReply(ltk [16]byte) error {
	if err := l.usable(); err != nil {
		return err
	}
	if !l.env.waitLTK {
		return errors.Wrap(ll.StatusCommandDisallowed, "no key requested")
	}
	l.env.key.ltk = ltk
	if err := l.deriveKey(); err != nil {
		return err
	}
	if err := l.sendCtrl(StartEncReq{}, tagCtrl); err != nil {
		return err
	}
	l.env.waitLTK = false
	l.s.SetEncryption(l.ev, false, true, l.env.sk, l.env.iv)
	return nil
}

// LTKNegativeReply refuses the key request. A link whose key refresh fails
// is terminated.
func (l *Link) LTKNegativeReply() error {
	if err := l.usable(); err != nil {
		return err
	}
	if !l.env.waitLTK {
		return errors.Wrap(ll.StatusCommandDisallowed, "no key requested")
	}
	l.env.waitLTK = false
	if l.env.refreshing {
		l.env.Enc &^= EncFlowOff
		l.env.refreshing = false
		return l.Disconnect(ll.StatusPinOrKeyMissing)
	}
	if err := l.sendCtrl(RejectInd{Reason: ll.StatusPinOrKeyMissing}, tagCtrl); err != nil {
		return err
	}
	l.env.Enc &^= EncFlowOff
	l.endProc()
	l.release()
	return nil
}

func (l *Link) pauseEncReqRx() {
	if l.env.Role != ll.RoleSlave || l.env.Enc&EncTx == 0 {
		l.reply(UnknownRsp{Type: OpPauseEncReq})
		return
	}
	if err := l.sendCtrl(PauseEncRsp{}, tagPauseRsp); err != nil {
		l.log.Warn(err)
		return
	}
	l.env.Enc |= EncFlowOff
	l.env.refreshing = true
	l.startProc()
}

func (l *Link) pauseEncRspRx() {
	if l.env.Role != ll.RoleMaster || !l.env.refreshing {
		l.log.Warn("unexpected LL_PAUSE_ENC_RSP")
		return
	}
	l.s.SetEncryption(l.ev, false, false, [16]byte{}, [8]byte{})
	l.env.Enc &^= EncTx | EncRx
	if err := l.encReq(); err != nil {
		l.log.Error(err)
		l.encFailed(ll.StatusUnspecified)
	}
}

func (l *Link) encDone() {
	refresh := l.env.refreshing
	l.env.Enc = EncTx | EncRx | l.env.Enc&EncRefreshPending
	l.env.refreshing = false
	l.endProc()
	if refresh {
		l.log.Info("key refreshed")
		l.notify(ll.EncryptionKeyRefreshComplete{Status: ll.StatusSuccess, ConnHandle: l.h})
	} else {
		l.log.Info("encryption on")
		l.notify(ll.EncryptionChange{Status: ll.StatusSuccess, ConnHandle: l.h, Enabled: true})
	}

	if l.env.Enc&EncRefreshPending != 0 && l.env.Role == ll.RoleMaster {
		l.env.Enc &^= EncRefreshPending
		l.env.key = l.env.pendingKey
		err := l.pause()
		if err == nil {
			return
		}
		l.log.Warnf("queued key refresh dropped: %v", err)
	}
	l.release()
}

// encFailed ends a key change the peer refused; the link is left
// unencrypted.
func (l *Link) encFailed(st ll.Status) {
	l.s.SetEncryption(l.ev, false, false, [16]byte{}, [8]byte{})
	l.env.Enc = 0
	l.env.refreshing = false
	l.env.waitLTK = false
	l.endProc()
	l.log.Warnf("encryption failed: %v", st)
	l.notify(ll.EncryptionChange{Status: st, ConnHandle: l.h, Enabled: false})
	l.release()
}

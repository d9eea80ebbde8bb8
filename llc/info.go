package llc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
)

func (l *Link) localVersion() ll.VersionInfo {
	v := l.cfg.Version
	return ll.VersionInfo{Version: v.Version, CompanyID: v.CompanyID, SubVersion: v.SubVersion}
}

// ReadRemoteFeatures reports the peer's feature set with
// ReadRemoteFeaturesComplete, asking the peer the first time.
func (l *Link) ReadRemoteFeatures() error {
	if err := l.usable(); err != nil {
		return err
	}
	if l.env.featuresKnown {
		l.notify(ll.ReadRemoteFeaturesComplete{Status: ll.StatusSuccess, ConnHandle: l.h, Features: l.env.PeerFeatures})
		return nil
	}
	if l.env.featureReq {
		return errors.Wrap(ll.ErrBusy, "feature exchange in progress")
	}
	var req PDU = FeatureReq{Features: l.env.LocalFeatures}
	if l.env.Role == ll.RoleSlave {
		req = SlaveFeatureReq{Features: l.env.LocalFeatures}
	}
	if err := l.sendCtrl(req, tagCtrl); err != nil {
		return err
	}
	l.env.featureReq = true
	l.startProc()
	return nil
}

// featureReqRx answers a feature request; want is the local role that may
// receive it.
func (l *Link) featureReqRx(f uint64, want ll.Role) {
	op := OpFeatureReq
	if want == ll.RoleMaster {
		op = OpSlaveFeatureReq
	}
	if l.env.Role != want {
		l.reply(UnknownRsp{Type: op})
		return
	}
	l.env.PeerFeatures = f
	l.env.featuresKnown = true
	l.reply(FeatureRsp{Features: l.env.LocalFeatures})
}

func (l *Link) featureRspRx(f uint64) {
	l.env.PeerFeatures = f
	l.env.featuresKnown = true
	if !l.env.featureReq {
		return
	}
	l.env.featureReq = false
	l.endProc()
	l.notify(ll.ReadRemoteFeaturesComplete{Status: ll.StatusSuccess, ConnHandle: l.h, Features: f})
}

// ReadRemoteVersion reports the peer's version with
// ReadRemoteVersionComplete. LL_VERSION_IND is exchanged once per link.
func (l *Link) ReadRemoteVersion() error {
	if err := l.usable(); err != nil {
		return err
	}
	if v := l.env.PeerVersion; v != nil {
		l.notify(ll.ReadRemoteVersionComplete{Status: ll.StatusSuccess, ConnHandle: l.h, VersionInfo: *v})
		return nil
	}
	if l.env.versionReq {
		return errors.Wrap(ll.ErrBusy, "version exchange in progress")
	}
	if !l.env.versionSent {
		if err := l.sendCtrl(VersionInd{l.localVersion()}, tagCtrl); err != nil {
			return err
		}
		l.env.versionSent = true
	}
	l.env.versionReq = true
	l.startProc()
	return nil
}

func (l *Link) versionRx(v ll.VersionInfo) {
	l.env.PeerVersion = &v
	if !l.env.versionSent {
		l.reply(VersionInd{l.localVersion()})
		l.env.versionSent = true
	}
	if !l.env.versionReq {
		return
	}
	l.env.versionReq = false
	l.endProc()
	l.notify(ll.ReadRemoteVersionComplete{Status: ll.StatusSuccess, ConnHandle: l.h, VersionInfo: v})
}

// unknownRx ends the local procedure the peer doesn't support.
func (l *Link) unknownRx(op Opcode) {
	l.log.Infof("peer doesn't support %v", op)
	switch op {
	case OpFeatureReq, OpSlaveFeatureReq:
		if l.env.featureReq {
			l.env.featureReq = false
			l.endProc()
			l.notify(ll.ReadRemoteFeaturesComplete{Status: ll.StatusUnsupportedRemoteFeature, ConnHandle: l.h})
		}
	case OpConnParamReq:
		l.hostUpdateFailed(ll.StatusUnsupportedRemoteFeature)
	case OpEncReq, OpPauseEncReq:
		if l.env.Enc&EncFlowOff != 0 {
			l.encFailed(ll.StatusUnsupportedRemoteFeature)
		}
	}
}

func (l *Link) rejectRx(reason ll.Status) {
	l.log.Infof("peer rejected: %v", reason)
	switch {
	case l.env.Enc&EncFlowOff != 0:
		l.encFailed(reason)
	case l.env.Update == UpdateHost:
		l.hostUpdateFailed(reason)
	}
}

func (l *Link) hostUpdateFailed(st ll.Status) {
	if l.env.Update != UpdateHost {
		return
	}
	l.env.Update = UpdateNone
	l.endProc()
	p := l.env.Params
	l.notify(ll.ConnectionUpdateComplete{
		Status:             st,
		ConnHandle:         l.h,
		Interval:           p.Interval,
		Latency:            p.Latency,
		SupervisionTimeout: p.Timeout,
	})
}

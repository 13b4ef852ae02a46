package quota

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Format limits enforced by the kernel on set (qf_max_spc_limit and
// qf_max_ino_limit), in 1 KiB blocks and inodes
const (
	maxV0Blocks = 0xffffffff
	maxV0Inodes = 0xffffffff
	maxV1Blocks = (1<<63 - 1) >> 10
	maxV1Inodes = 1<<63 - 1
)

// fakeRecord is a dquot in kernel units: limits in 1 KiB blocks, usage in
// bytes, timers in unix seconds
type fakeRecord struct {
	bhard, bsoft, space  uint64
	ihard, isoft, inodes uint64
	btime, itime         int64
}

func (r fakeRecord) empty() bool {
	return r == fakeRecord{}
}

type fakeDevice struct {
	xfs      bool
	formats  map[Kind]Format
	enforced map[Kind]bool
	records  map[Kind]map[uint32]fakeRecord
	info     map[Kind]Info
	syncs    int
}

// FakeKernel is an in-memory model of the kernel quota subsystem. State
// lives in the FakeKernel, not in clients, so records outlive any Client
// built on it. All calls are serialised by one mutex, the way the kernel
// serialises dquot updates.
type FakeKernel struct {
	mu         sync.Mutex
	devices    map[string]*fakeDevice
	uid, gid   uint32
	privileged bool
	failures   map[Operation]unix.Errno
	gate       chan struct{}
	calls      []Call
}

// NewFakeKernel creates a FakeKernel with a privileged caller and no devices
func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		devices:    make(map[string]*fakeDevice),
		privileged: true,
		failures:   make(map[Operation]unix.Errno),
	}
}

// AddDevice registers a block device with quotas off (test helper)
func (f *FakeKernel) AddDevice(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device(device, false)
}

// AddXFSDevice registers an XFS block device with accounting off (test helper)
func (f *FakeKernel) AddXFSDevice(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device(device, true)
}

// EnableQuota turns accounting and enforcement of kind on, registering the
// device if needed (test helper). FormatXFS marks the device as XFS.
func (f *FakeKernel) EnableQuota(device string, kind Kind, format Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.device(device, format.IsXFS())
	d.formats[kind] = format
	d.enforced[kind] = true
}

// SetUsage records space (bytes) and inode usage for ident (test helper)
func (f *FakeKernel) SetUsage(device string, ident Identity, space, inodes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.device(device, false)
	r := d.records[ident.Kind][ident.ID]
	r.space = space
	r.inodes = inodes
	d.store(ident.Kind, ident.ID, r)
}

// SetCaller sets the credentials of the calling process (test helper)
func (f *FakeKernel) SetCaller(uid, gid uint32, privileged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uid, f.gid, f.privileged = uid, gid, privileged
}

// InjectError makes every call of op fail with errno (test helper)
func (f *FakeKernel) InjectError(op Operation, errno unix.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = errno
}

// ClearErrors removes all injected errors (test helper)
func (f *FakeKernel) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[Operation]unix.Errno)
}

// Block makes subsequent calls hang until the returned release function
// is called (test helper)
func (f *FakeKernel) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns a copy of every call received so far
func (f *FakeKernel) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]Call, len(f.calls))
	copy(calls, f.calls)
	return calls
}

// SyncCount returns how many times device was synced
func (f *FakeKernel) SyncCount(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[device]; ok {
		return d.syncs
	}
	return 0
}

// Quotactl implements Kernel
func (f *FakeKernel) Quotactl(call *Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, *call)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if errno, ok := f.failures[call.Op]; ok {
		return errno
	}

	sub, kind := splitCmd(call.Cmd)
	if !kind.Valid() {
		return unix.EINVAL
	}

	if sub == qSync && call.Device == "" {
		for _, d := range f.devices {
			if len(d.formats) > 0 && !d.xfs {
				d.syncs++
			}
		}
		return nil
	}

	d, ok := f.devices[call.Device]
	if !ok {
		return unix.ENOENT
	}

	switch sub {
	case qGetFmt:
		id, ok := call.Addr.(*uint32)
		if !ok {
			return unix.EFAULT
		}
		format, active := d.formats[kind]
		if !active || format.IsXFS() {
			return unix.ESRCH
		}
		*id = uint32(format)
		return nil

	case qXGetQStat:
		s, ok := call.Addr.(*FSQuotaStat)
		if !ok {
			return unix.EFAULT
		}
		*s = FSQuotaStat{Version: 1}
		for k := range d.formats {
			acct, enfd := xfsQuotaFlags(k)
			s.Flags |= uint16(acct)
			if d.enforced[k] {
				s.Flags |= uint16(enfd)
			}
		}
		info := d.info[kind]
		s.BTimeLimit = int32(info.BlockGrace.Seconds())
		s.ITimeLimit = int32(info.InodeGrace.Seconds())
		return nil

	case qSync:
		if d.xfs {
			return unix.ENOSYS
		}
		d.syncs++
		return nil

	case qXQuotaSync:
		if !d.xfs {
			return unix.ENOSYS
		}
		d.syncs++
		return nil

	case qGetQuota, qXGetQuota:
		if !f.mayRead(kind, call.ID) {
			return unix.EPERM
		}
		if _, active := d.formats[kind]; !active {
			return unix.ESRCH
		}
		r := d.records[kind][call.ID]
		if sub == qXGetQuota {
			dq, ok := call.Addr.(*FSDiskQuota)
			if !ok {
				return unix.EFAULT
			}
			if r.empty() {
				return unix.ENOENT
			}
			*dq = r.fsDiskQuota(kind, call.ID)
			return nil
		}
		dq, ok := call.Addr.(*Dqblk)
		if !ok {
			return unix.EFAULT
		}
		*dq = r.dqblk()
		return nil

	case qGetNextQuota, qXGetNextQuota:
		if !f.privileged {
			return unix.EPERM
		}
		if _, active := d.formats[kind]; !active {
			return unix.ESRCH
		}
		id, r, found := d.next(kind, call.ID)
		if !found {
			return unix.ENOENT
		}
		if sub == qXGetNextQuota {
			dq, ok := call.Addr.(*FSDiskQuota)
			if !ok {
				return unix.EFAULT
			}
			*dq = r.fsDiskQuota(kind, id)
			return nil
		}
		dq, ok := call.Addr.(*NextDqblk)
		if !ok {
			return unix.EFAULT
		}
		b := r.dqblk()
		*dq = NextDqblk{
			BHardLimit: b.BHardLimit, BSoftLimit: b.BSoftLimit, CurSpace: b.CurSpace,
			IHardLimit: b.IHardLimit, ISoftLimit: b.ISoftLimit, CurInodes: b.CurInodes,
			BTime: b.BTime, ITime: b.ITime, Valid: b.Valid, ID: id,
		}
		return nil

	case qSetQuota:
		if !f.privileged {
			return unix.EPERM
		}
		format, active := d.formats[kind]
		if !active {
			return unix.ESRCH
		}
		dq, ok := call.Addr.(*Dqblk)
		if !ok {
			return unix.EFAULT
		}
		if !withinFormat(format, dq) {
			return unix.ERANGE
		}
		r := d.records[kind][call.ID]
		if dq.Valid&qifBLimits != 0 {
			r.bhard, r.bsoft = dq.BHardLimit, dq.BSoftLimit
		}
		if dq.Valid&qifILimits != 0 {
			r.ihard, r.isoft = dq.IHardLimit, dq.ISoftLimit
		}
		if dq.Valid&qifBTime != 0 {
			r.btime = int64(dq.BTime)
		}
		if dq.Valid&qifITime != 0 {
			r.itime = int64(dq.ITime)
		}
		d.store(kind, call.ID, r)
		return nil

	case qXSetQLim:
		if !f.privileged {
			return unix.EPERM
		}
		if _, active := d.formats[kind]; !active {
			return unix.ESRCH
		}
		dq, ok := call.Addr.(*FSDiskQuota)
		if !ok {
			return unix.EFAULT
		}
		if dq.Version != fsDquotVersion {
			return unix.EINVAL
		}
		r := d.records[kind][call.ID]
		if dq.FieldMask&fsDQBHard != 0 {
			r.bhard = dq.BlkHardLimit / bbPerBlock
		}
		if dq.FieldMask&fsDQBSoft != 0 {
			r.bsoft = dq.BlkSoftLimit / bbPerBlock
		}
		if dq.FieldMask&fsDQIHard != 0 {
			r.ihard = dq.InoHardLimit
		}
		if dq.FieldMask&fsDQISoft != 0 {
			r.isoft = dq.InoSoftLimit
		}
		// timers on id 0 are the default grace periods
		if call.ID == 0 && dq.FieldMask&(fsDQBTimer|fsDQITimer) != 0 {
			info := d.info[kind]
			if dq.FieldMask&fsDQBTimer != 0 {
				info.BlockGrace = secondsDuration(int64(dq.BTimer))
			}
			if dq.FieldMask&fsDQITimer != 0 {
				info.InodeGrace = secondsDuration(int64(dq.ITimer))
			}
			d.info[kind] = info
		} else {
			bhi, ihi := dq.BTimerHi, dq.ITimerHi
			if dq.FieldMask&fsDQBigTime == 0 {
				bhi, ihi = 0, 0
			}
			if dq.FieldMask&fsDQBTimer != 0 {
				r.btime = xfsTimer(dq.BTimer, bhi)
			}
			if dq.FieldMask&fsDQITimer != 0 {
				r.itime = xfsTimer(dq.ITimer, ihi)
			}
		}
		d.store(kind, call.ID, r)
		return nil

	case qGetInfo:
		if _, active := d.formats[kind]; !active {
			return unix.ESRCH
		}
		di, ok := call.Addr.(*Dqinfo)
		if !ok {
			return unix.EFAULT
		}
		info := d.info[kind]
		*di = Dqinfo{
			BGrace: uint64(info.BlockGrace.Seconds()),
			IGrace: uint64(info.InodeGrace.Seconds()),
			Flags:  uint32(info.Flags),
			Valid:  iifAll,
		}
		return nil

	case qSetInfo:
		if !f.privileged {
			return unix.EPERM
		}
		if _, active := d.formats[kind]; !active {
			return unix.ESRCH
		}
		di, ok := call.Addr.(*Dqinfo)
		if !ok {
			return unix.EFAULT
		}
		info := d.info[kind]
		if di.Valid&iifBGrace != 0 {
			info.BlockGrace = secondsDuration(int64(di.BGrace))
		}
		if di.Valid&iifIGrace != 0 {
			info.InodeGrace = secondsDuration(int64(di.IGrace))
		}
		if di.Valid&iifFlags != 0 {
			info.Flags = InfoFlags(di.Flags)
		}
		d.info[kind] = info
		return nil

	case qQuotaOn:
		if !f.privileged {
			return unix.EPERM
		}
		if d.xfs {
			return unix.ENOSYS
		}
		if _, active := d.formats[kind]; active {
			return unix.EBUSY
		}
		if path, ok := call.Addr.(string); !ok || path == "" {
			return unix.ENOENT
		}
		format := Format(call.ID)
		if !format.Valid() || format.IsXFS() {
			return unix.ESRCH
		}
		d.formats[kind] = format
		d.enforced[kind] = true
		return nil

	case qQuotaOff:
		if !f.privileged {
			return unix.EPERM
		}
		if d.xfs {
			return unix.ENOSYS
		}
		delete(d.formats, kind)
		delete(d.enforced, kind)
		return nil

	case qXQuotaOn, qXQuotaOff:
		if !f.privileged {
			return unix.EPERM
		}
		if !d.xfs {
			return unix.ENOSYS
		}
		flags, ok := call.Addr.(*uint32)
		if !ok {
			return unix.EFAULT
		}
		acct, enfd := xfsQuotaFlags(kind)
		if _, active := d.formats[kind]; !active {
			// accounting can only be enabled at mount time
			return unix.EINVAL
		}
		if sub == qXQuotaOff {
			if *flags&acct != 0 {
				return unix.EINVAL
			}
			if *flags&enfd != 0 {
				d.enforced[kind] = false
			}
			return nil
		}
		if *flags&enfd != 0 {
			d.enforced[kind] = true
		}
		return nil
	}
	return unix.EINVAL
}

// device returns the device, creating it when missing. Callers hold f.mu.
func (f *FakeKernel) device(name string, xfs bool) *fakeDevice {
	d, ok := f.devices[name]
	if !ok {
		d = &fakeDevice{
			xfs:      xfs,
			formats:  make(map[Kind]Format),
			enforced: make(map[Kind]bool),
			records:  make(map[Kind]map[uint32]fakeRecord),
			info:     make(map[Kind]Info),
		}
		f.devices[name] = d
	}
	return d
}

// mayRead applies the Q_GETQUOTA permission rule: a caller may read its
// own user and group records without privilege
func (f *FakeKernel) mayRead(kind Kind, id uint32) bool {
	switch {
	case f.privileged:
		return true
	case kind == KindUser:
		return id == f.uid
	case kind == KindGroup:
		return id == f.gid
	}
	return false
}

// store saves r, releasing records with no limits and no usage
func (d *fakeDevice) store(kind Kind, id uint32, r fakeRecord) {
	if r.empty() {
		delete(d.records[kind], id)
		return
	}
	if d.records[kind] == nil {
		d.records[kind] = make(map[uint32]fakeRecord)
	}
	d.records[kind][id] = r
}

// next finds the record with the smallest id at or above from
func (d *fakeDevice) next(kind Kind, from uint32) (uint32, fakeRecord, bool) {
	ids := make([]uint32, 0, len(d.records[kind]))
	for id := range d.records[kind] {
		if id >= from {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, fakeRecord{}, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], d.records[kind][ids[0]], true
}

func (r fakeRecord) dqblk() Dqblk {
	return Dqblk{
		BHardLimit: r.bhard,
		BSoftLimit: r.bsoft,
		CurSpace:   r.space,
		IHardLimit: r.ihard,
		ISoftLimit: r.isoft,
		CurInodes:  r.inodes,
		BTime:      uint64(r.btime),
		ITime:      uint64(r.itime),
		Valid:      qifAll,
	}
}

func (r fakeRecord) fsDiskQuota(kind Kind, id uint32) FSDiskQuota {
	d := FSDiskQuota{
		Version:      fsDquotVersion,
		Flags:        xfsKindFlag(kind),
		ID:           id,
		BlkHardLimit: r.bhard * bbPerBlock,
		BlkSoftLimit: r.bsoft * bbPerBlock,
		InoHardLimit: r.ihard,
		InoSoftLimit: r.isoft,
		BCount:       r.space / basicBlockSize,
		ICount:       r.inodes,
	}
	d.BTimer, d.BTimerHi = splitXFSTimer(r.btime)
	d.ITimer, d.ITimerHi = splitXFSTimer(r.itime)
	if d.BTimerHi != 0 || d.ITimerHi != 0 {
		d.FieldMask |= fsDQBigTime
	}
	return d
}

// withinFormat reports whether the limits of dq fit the on-disk format
func withinFormat(format Format, dq *Dqblk) bool {
	maxBlocks, maxInodes := uint64(maxV1Blocks), uint64(maxV1Inodes)
	if format == FormatVFSOld || format == FormatVFSV0 {
		maxBlocks, maxInodes = maxV0Blocks, maxV0Inodes
	}
	return dq.BHardLimit <= maxBlocks && dq.BSoftLimit <= maxBlocks &&
		dq.IHardLimit <= maxInodes && dq.ISoftLimit <= maxInodes
}

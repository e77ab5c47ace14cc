package server

import (
	"github.com/nullbound/holdd/internal/conn"
	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
)

// globalStats is the YAML shape of the `stats` command's reply, field
// names matching the wire names
// _examples/compmaniak-go-beanstalk/conn.go's Stats struct decodes.
type globalStats struct {
	CurrentJobsUrgent   uint64 `yaml:"current-jobs-urgent"`
	CurrentJobsReady    uint64 `yaml:"current-jobs-ready"`
	CurrentJobsReserved uint64 `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed  uint64 `yaml:"current-jobs-delayed"`
	CurrentJobsBuried   uint64 `yaml:"current-jobs-buried"`
	CmdPut              uint64 `yaml:"cmd-put"`
	CurrentTubes        int    `yaml:"current-tubes"`
	CurrentConnections  int    `yaml:"current-connections"`
	CurrentProducers    int    `yaml:"current-producers"`
	CurrentWorkers      int    `yaml:"current-workers"`
	CurrentWaiting      int    `yaml:"current-waiting"`
	TotalJobs           uint64 `yaml:"total-jobs"`
}

// tubeStats is stats-tube's YAML shape, mirroring
// _examples/compmaniak-go-beanstalk/tube.go's TubeStats.
type tubeStats struct {
	Name                string `yaml:"name"`
	CurrentJobsUrgent   uint64 `yaml:"current-jobs-urgent"`
	CurrentJobsReady    uint64 `yaml:"current-jobs-ready"`
	CurrentJobsReserved uint64 `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed  uint64 `yaml:"current-jobs-delayed"`
	CurrentJobsBuried   uint64 `yaml:"current-jobs-buried"`
	TotalJobs           uint64 `yaml:"total-jobs"`
	CurrentUsing        uint   `yaml:"current-using"`
	CurrentWatching     uint   `yaml:"current-watching"`
	CurrentWaiting      int    `yaml:"current-waiting"`
	Pause               int64  `yaml:"pause"`
}

// jobStats is stats-job's YAML shape.
type jobStats struct {
	ID        uint64 `yaml:"id"`
	Tube      string `yaml:"tube"`
	State     string `yaml:"state"`
	Pri       uint32 `yaml:"pri"`
	Age       int64  `yaml:"age"`
	TimeLeft  int64  `yaml:"time-left"`
	Reserves  uint32 `yaml:"reserves"`
	Timeouts  uint32 `yaml:"timeouts"`
	Releases  uint32 `yaml:"releases"`
	Buries    uint32 `yaml:"buries"`
	Kicks     uint32 `yaml:"kicks"`
}

func (s *Server) cmdStats(sess *session) {
	var st globalStats
	st.CurrentTubes = s.tubes.Len()
	st.CurrentConnections = len(s.sessions)
	s.tubes.All(func(t *tube.Tube) {
		st.CurrentJobsUrgent += t.Stat.UrgentCt
		st.CurrentJobsReady += t.Stat.ReadyCt
		st.CurrentJobsReserved += t.Stat.ReservedCt
		st.CurrentJobsDelayed += t.Stat.DelayedCt
		st.CurrentJobsBuried += t.Stat.BuriedCt
		st.TotalJobs += t.Stat.TotalJobCt
		st.CmdPut += t.Stat.TotalJobCt
	})
	for _, other := range s.sessions {
		if other.Type&conn.TypeProducer != 0 {
			st.CurrentProducers++
		}
		if other.Type&conn.TypeWorker != 0 {
			st.CurrentWorkers++
		}
		if other.IsWaiting() {
			st.CurrentWaiting++
		}
	}
	out, err := proto.YAML(st)
	if err != nil {
		sess.send(proto.ErrInternal.Bytes())
		return
	}
	sess.send(out)
}

func (s *Server) cmdStatsJob(sess *session, req *proto.Request) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	now := nowNano()
	st := jobStats{
		ID:       j.ID,
		Tube:     j.Tube.Name(),
		State:    j.State.String(),
		Pri:      j.Pri,
		Age:      (now - j.CreatedAt) / int64(1e9),
		Reserves: j.ReserveCt,
		Timeouts: j.TimeoutCt,
		Releases: j.ReleaseCt,
		Buries:   j.BuryCt,
		Kicks:    j.KickCt,
	}
	if j.State == job.Reserved || j.State == job.Delayed {
		st.TimeLeft = (j.DeadlineAt - now) / int64(1e9)
		if st.TimeLeft < 0 {
			st.TimeLeft = 0
		}
	}
	out, err2 := proto.YAML(st)
	if err2 != nil {
		sess.send(proto.ErrInternal.Bytes())
		return
	}
	sess.send(out)
}

func (s *Server) cmdStatsTube(sess *session, req *proto.Request) {
	name, err := req.ArgString(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	t := s.tubes.Find(name)
	if t == nil {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	now := nowNano()
	waiting := 0
	for _, other := range s.sessions {
		if other.IsWaiting() && other.Watch.Contains(t) {
			waiting++
		}
	}
	st := tubeStats{
		Name:                t.Name(),
		CurrentJobsUrgent:   t.Stat.UrgentCt,
		CurrentJobsReady:    t.Stat.ReadyCt,
		CurrentJobsReserved: t.Stat.ReservedCt,
		CurrentJobsDelayed:  t.Stat.DelayedCt,
		CurrentJobsBuried:   t.Stat.BuriedCt,
		TotalJobs:           t.Stat.TotalJobCt,
		CurrentUsing:        t.UsingCt,
		CurrentWatching:     t.WatchingCt,
		CurrentWaiting:      waiting,
	}
	if t.IsPaused(now) {
		st.Pause = (t.UnpauseAt - now) / int64(1e9)
	}
	out, err2 := proto.YAML(st)
	if err2 != nil {
		sess.send(proto.ErrInternal.Bytes())
		return
	}
	sess.send(out)
}

func (s *Server) cmdListTubes(sess *session) {
	names := make([]string, 0, s.tubes.Len())
	s.tubes.All(func(t *tube.Tube) { names = append(names, t.Name()) })
	out, err := proto.YAML(names)
	if err != nil {
		sess.send(proto.ErrInternal.Bytes())
		return
	}
	sess.send(out)
}

func (s *Server) cmdListTubesWatched(sess *session) {
	names := make([]string, 0, sess.Watch.Len())
	for _, t := range sess.Watch.Items() {
		names = append(names, t.Name())
	}
	out, err := proto.YAML(names)
	if err != nil {
		sess.send(proto.ErrInternal.Bytes())
		return
	}
	sess.send(out)
}

package media

import (
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// pump reads packets from src and forwards them to ot until the source
// fails or the track is marked for delete.
func pump(src Source, ot *OutTrack, logger *zerolog.Logger) {
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("source close")
		}
	}()
	for {
		if ot.GetState() == TrackStateDelete {
			logger.Debug().Msg("track deleted, stopping pump")
			return
		}
		pkts, release, err := src.Read()
		if err != nil {
			if ot.GetState() != TrackStateDelete {
				logger.Error().Err(err).Msg("source read error, stopping")
			}
			ot.MarkDelete()
			return
		}
		forward(pkts, ot, logger)
		if release != nil {
			release()
		}
	}
}

func forward(pkts []*rtp.Packet, ot *OutTrack, logger *zerolog.Logger) {
	switch ot.GetState() {
	case TrackStateMuted, TrackStateDelete:
		return
	case TrackStateOk:
	}
	for _, pkt := range pkts {
		if err := ot.track.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Msg("write RTP error")
			return
		}
	}
}

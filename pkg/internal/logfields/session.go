package logfields

import (
	"github.com/augmentos/lenswatch/pkg/session"
	"github.com/sirupsen/logrus"
)

func Session(s *session.Session) logrus.Fields {
	return logrus.Fields{
		"session": s.ID,
		"state":   s.State(),
	}
}

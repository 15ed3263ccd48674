package speeddaemon

// handleCamera identifies the session as a camera and reports its road's speed limit.
func (s *session) handleCamera(m *IAmCameraMessage) {
	s.role = roleCameraLabel
	s.camera = Camera{Road: m.Road, Mile: m.Mile, Limit: m.Limit}
	s.logger = s.logger.With("road", m.Road, "mile", m.Mile, "limit", m.Limit)
	s.logger.Info("camera connected")

	s.coordinator.RegisterCamera(m.Road, m.Limit)
}

// recordPlate turns a plate observed by this camera into a Reading for the Coordinator.
func (s *session) recordPlate(m *PlateMessage) {
	s.logger.Debug("received plate message", "plate", m.Plate, "timestamp", m.Timestamp)

	s.coordinator.IngestReading(Reading{
		Road:      s.camera.Road,
		Mile:      s.camera.Mile,
		Plate:     Car(m.Plate),
		Timestamp: m.Timestamp,
	})
}

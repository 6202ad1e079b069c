package events

import (
	"bytes"
	"context"
	"fmt"

	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
)

const attendeeSheet = "Attendees"

// Calendar renders the event as an iCalendar file.
func (s *Service) Calendar(ctx context.Context, eventID int64) ([]byte, error) {
	e, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//ms-membership//events//EN")

	entry := cal.AddEvent(fmt.Sprintf("event-%d@ms-membership", e.EventID))
	entry.SetDtStampTime(s.now())
	entry.SetCreatedTime(e.CreatedAt)
	entry.SetSummary(e.Title)
	if !e.StartDate.IsZero() {
		entry.SetStartAt(e.StartDate)
	}
	if !e.EndDate.IsZero() {
		entry.SetEndAt(e.EndDate)
	}
	if e.Location != "" {
		entry.SetLocation(e.Location)
	}
	if e.Description != "" {
		entry.SetDescription(e.Description)
	}
	if s.PublicURL != "" {
		entry.SetURL(fmt.Sprintf("%s/events/%d", s.PublicURL, e.EventID))
	}
	return []byte(cal.Serialize()), nil
}

// AttendeeSheet lists active registrations first, then the waitlist in queue order.
func (s *Service) AttendeeSheet(ctx context.Context, eventID int64) ([]byte, error) {
	e, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	regs, err := s.db.ListRegistrations(ctx, eventID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	idx, err := f.NewSheet(attendeeSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	header, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	f.SetCellValue(attendeeSheet, "A1", e.Title)
	f.SetCellStyle(attendeeSheet, "A1", "A1", header)

	columns := []string{"Name", "Email", "Study", "Year", "Status", "Attended", "Allow photo", "Registered at"}
	for i, c := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		f.SetCellValue(attendeeSheet, cell, c)
		f.SetCellStyle(attendeeSheet, cell, cell, header)
	}
	f.SetColWidth(attendeeSheet, "A", "B", 28)
	f.SetColWidth(attendeeSheet, "H", "H", 20)

	for i, r := range regs {
		row := i + 3
		var name, email, study, year string
		if r.User != nil {
			name, email, study, year = r.User.FullName(), r.User.Email, r.User.Study, r.User.StudyYear
		}
		status := "active"
		if r.IsOnWait {
			status = "waitlist"
		}
		values := []interface{}{name, email, study, year, status, yesNo(r.HasAttended), yesNo(r.AllowPhoto),
			r.CreatedAt.Format("2006-01-02 15:04:05")}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(attendeeSheet, cell, v)
		}
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("write attendee sheet: %w", err)
	}
	return buf.Bytes(), nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

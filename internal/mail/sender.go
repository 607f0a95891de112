package mail

// Message is an outbound notification. All mail this service sends is
// system-generated, so there is no per-message from address.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	IsHTML  bool
}

type MailSender interface {
	Send(message *Message) error
}

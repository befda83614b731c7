package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "client control revoked",
			got:  topics.ClientControlRevoked("alice-transmitter-003"),
			want: "relay/clients/alice-transmitter-003/control/revoked",
		},
		{
			name: "account role status",
			got:  topics.AccountRoleStatus("alice", "transmitter"),
			want: "relay/accounts/alice/roles/transmitter/status",
		},
		{
			name: "system status",
			got:  topics.SystemStatus(),
			want: "relay/system/status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{}

	if err := c.Publish("", []byte("{}"), 1, false); err != ErrInvalidTopic {
		t.Errorf("empty topic: got %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("relay/system/status", []byte("{}"), 3, false); err != ErrInvalidQoS {
		t.Errorf("qos 3: got %v, want ErrInvalidQoS", err)
	}
}

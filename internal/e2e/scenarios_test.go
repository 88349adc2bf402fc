package e2e_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/licks-chat/licks/internal/client"
	"github.com/licks-chat/licks/internal/ids"
)

// messagesOf returns the plaintext contents currently stored for groupID,
// newest-query-first is not guaranteed; callers that care about order use
// MessagesForward's ascending id order directly.
func messagesOf(p *client.Profile, groupID ids.GroupIdentifier) []string {
	msgs, err := p.Store().MessagesForward(context.Background(), groupID, 0, 100)
	Expect(err).NotTo(HaveOccurred())
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Content)
	}
	return out
}

var allOnesGroup = ids.GroupIdentifier{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

var _ = Describe("Registration and directory", func() {
	var ts *testServer
	var host *client.Host

	BeforeEach(func() {
		ts = startServer("localhost")
		host = newHost(ts, "alice-host")
	})

	AfterEach(func() {
		host.CloseAll(context.Background())
		ts.stop()
	})

	It("registers a profile and resolves its username through the directory", func() {
		ctx := context.Background()
		alice := registerProfile(ctx, host, "alice", "alice")

		Expect(alice.SetUsername(ctx, "alice")).To(Succeed())

		accountID, ok, err := alice.ResolveUsername(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(accountID).To(Equal(alice.AccountID()))
	})
})

var _ = Describe("Lone message", func() {
	var ts *testServer
	var host *client.Host

	BeforeEach(func() {
		ts = startServer("localhost")
		host = newHost(ts, "alice-host")
	})

	AfterEach(func() {
		host.CloseAll(context.Background())
		ts.stop()
	})

	// Alice creates a single-member group at the all-ones group id,
	// sends "hello", and finds it in her own local store.
	It("delivers a single-member group's own message into the sender's store", func() {
		ctx := context.Background()
		alice := registerProfile(ctx, host, "alice", "alice")

		Expect(alice.CreateGroup(ctx, allOnesGroup, nil, nil)).To(Succeed())

		stamp, err := alice.SendGroupMessage(ctx, allOnesGroup, []byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(stamp).NotTo(Equal(ids.DeliveryStamp{}))

		Expect(messagesOf(alice, allOnesGroup)).To(ContainElement("hello"))
	})
})

var _ = Describe("Two-party conversation", func() {
	var ts *testServer
	var host *client.Host

	BeforeEach(func() {
		SetDefaultEventuallyTimeout(eventuallyTimeout)
		SetDefaultEventuallyPollingInterval(eventuallyPoll)
		ts = startServer("localhost")
		host = newHost(ts, "shared-host")
	})

	AfterEach(func() {
		host.CloseAll(context.Background())
		ts.stop()
	})

	It("delivers messages both ways after a welcome-based join, and stops after StopListening", func() {
		ctx := context.Background()

		alice := registerProfile(ctx, host, "alice", "alice")
		bob := registerProfile(ctx, host, "bob", "bob")

		Expect(alice.UploadKeyPackages(ctx, [][]byte{alice.OwnKeyPackage()})).To(Succeed())

		groupID := ids.NewGroupIdentifier()
		Expect(bob.CreateGroup(ctx, groupID, nil, nil)).To(Succeed())

		keyPackage, ok, err := bob.FetchKeyPackage(ctx, alice.AccountID())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		welcome, err := bob.InviteMember(ctx, groupID, keyPackage)
		Expect(err).NotTo(HaveOccurred())

		Expect(alice.JoinGroup(ctx, groupID, welcome, nil, nil)).To(Succeed())

		_, err = bob.SendGroupMessage(ctx, groupID, []byte("hello, Alice"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []string { return messagesOf(alice, groupID) }).Should(ContainElement("hello, Alice"))

		_, err = alice.SendGroupMessage(ctx, groupID, []byte("Hello, bob"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []string { return messagesOf(bob, groupID) }).Should(ContainElement("Hello, bob"))

		bob.LeaveGroup(ctx, groupID)
		before := messagesOf(bob, groupID)

		_, err = alice.SendGroupMessage(ctx, groupID, []byte("Hello, bob"))
		Expect(err).NotTo(HaveOccurred())

		Consistently(func() []string { return messagesOf(bob, groupID) }).Should(Equal(before))
	})
})

var _ = Describe("Three-party with commit", func() {
	var ts *testServer
	var host *client.Host

	BeforeEach(func() {
		SetDefaultEventuallyTimeout(eventuallyTimeout)
		SetDefaultEventuallyPollingInterval(eventuallyPoll)
		ts = startServer("localhost")
		host = newHost(ts, "shared-host")
	})

	AfterEach(func() {
		host.CloseAll(context.Background())
		ts.stop()
	})

	// Adding Charlie triggers a commit and an address rotation;
	// Charlie's first message must still reach Alice and Bob under the
	// new epoch.
	It("delivers a new member's message to existing members after the commit rotates the address", func() {
		ctx := context.Background()

		alice := registerProfile(ctx, host, "alice", "alice")
		bob := registerProfile(ctx, host, "bob", "bob")
		charlie := registerProfile(ctx, host, "charlie", "charlie")

		Expect(alice.UploadKeyPackages(ctx, [][]byte{alice.OwnKeyPackage()})).To(Succeed())
		Expect(charlie.UploadKeyPackages(ctx, [][]byte{charlie.OwnKeyPackage()})).To(Succeed())

		groupID := ids.NewGroupIdentifier()
		Expect(bob.CreateGroup(ctx, groupID, nil, nil)).To(Succeed())

		aliceKP, ok, err := bob.FetchKeyPackage(ctx, alice.AccountID())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		welcome, err := bob.InviteMember(ctx, groupID, aliceKP)
		Expect(err).NotTo(HaveOccurred())
		Expect(alice.JoinGroup(ctx, groupID, welcome, nil, nil)).To(Succeed())

		charlieKP, ok, err := bob.FetchKeyPackage(ctx, charlie.AccountID())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		welcome, err = bob.InviteMember(ctx, groupID, charlieKP)
		Expect(err).NotTo(HaveOccurred())
		Expect(charlie.JoinGroup(ctx, groupID, welcome, nil, nil)).To(Succeed())

		_, err = charlie.SendGroupMessage(ctx, groupID, []byte("Hello, Alice and Bob"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []string { return messagesOf(alice, groupID) }).Should(ContainElement("Hello, Alice and Bob"))
		Eventually(func() []string { return messagesOf(bob, groupID) }).Should(ContainElement("Hello, Alice and Bob"))
	})
})

var _ = Describe("Queue replay after leaving and rejoining", func() {
	var ts *testServer
	var host *client.Host

	BeforeEach(func() {
		ts = startServer("localhost")
		host = newHost(ts, "shared-host")
	})

	AfterEach(func() {
		host.CloseAll(context.Background())
		ts.stop()
	})

	// Bob sends while Alice has no listener running, then Alice catches
	// up by calling RetrieveQueue instead of waiting on a live
	// subscription.
	It("lets a profile with no running listener catch up via RetrieveQueue", func() {
		ctx := context.Background()

		alice := registerProfile(ctx, host, "alice", "alice")
		bob := registerProfile(ctx, host, "bob", "bob")

		Expect(alice.UploadKeyPackages(ctx, [][]byte{alice.OwnKeyPackage()})).To(Succeed())

		groupID := ids.NewGroupIdentifier()
		Expect(bob.CreateGroup(ctx, groupID, nil, nil)).To(Succeed())

		keyPackage, ok, err := bob.FetchKeyPackage(ctx, alice.AccountID())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		welcome, err := bob.InviteMember(ctx, groupID, keyPackage)
		Expect(err).NotTo(HaveOccurred())

		// Join then immediately leave, so no listener is running while
		// Bob's sends below land; the catch-up path exercised here is
		// RetrieveQueue, not the live subscription.
		Expect(alice.JoinGroup(ctx, groupID, welcome, nil, nil)).To(Succeed())
		alice.LeaveGroup(ctx, groupID)

		_, err = bob.SendGroupMessage(ctx, groupID, []byte("first"))
		Expect(err).NotTo(HaveOccurred())
		_, err = bob.SendGroupMessage(ctx, groupID, []byte("second"))
		Expect(err).NotTo(HaveOccurred())

		Expect(alice.JoinGroup(ctx, groupID, welcome, nil, nil)).To(Succeed())
		msgs, err := alice.RetrieveQueue(ctx, groupID, ids.DeliveryStamp{})
		Expect(err).NotTo(HaveOccurred())

		var contents []string
		for _, m := range msgs {
			contents = append(contents, string(m.Payload))
		}
		Expect(contents).To(ContainElement("first"))
		Expect(contents).To(ContainElement("second"))
	})
})

package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"commune/logger"
	"commune/service/proto"
	"commune/tools/ids"
)

// Mongo is the durable Store. Collections mirror the record types
// one to one; the username index is case-insensitive so "Alice" and
// "alice" collide at the database level too.
type Mongo struct {
	users       *mongo.Collection
	tokens      *mongo.Collection
	communities *mongo.Collection
	members     *mongo.Collection
	rooms       *mongo.Collection
	messages    *mongo.Collection
	roomStates  *mongo.Collection
	invites     *mongo.Collection
	admins      *mongo.Collection
	reports     *mongo.Collection
	counters    *mongo.Collection
}

var _ Store = (*Mongo)(nil)

var nameCollation = &options.Collation{Locale: "en", Strength: 2}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.WithMessage(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.WithMessage(err, "mongo ping")
	}
	db := client.Database(database)
	m := &Mongo{
		users:       db.Collection("users"),
		tokens:      db.Collection("tokens"),
		communities: db.Collection("communities"),
		members:     db.Collection("members"),
		rooms:       db.Collection("rooms"),
		messages:    db.Collection("messages"),
		roomStates:  db.Collection("room_states"),
		invites:     db.Collection("invites"),
		admins:      db.Collection("admins"),
		reports:     db.Collection("reports"),
		counters:    db.Collection("counters"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logger.Infof("mongo store ready, database=%s", database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "username", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetCollation(nameCollation),
	})
	if err != nil {
		return errors.WithMessage(err, "users index")
	}
	_, err = m.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}, {Key: "community", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.WithMessage(err, "members index")
	}
	_, err = m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "ordinal", Value: 1}},
	})
	if err != nil {
		return errors.WithMessage(err, "messages index")
	}
	_, err = m.roomStates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}, {Key: "room", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.WithMessage(err, "room_states index")
}

func (m *Mongo) CreateUser(ctx context.Context, u UserRecord) error {
	_, err := m.users.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUsernameTaken
	}
	return errors.WithMessage(err, "create user")
}

func (m *Mongo) UserByID(ctx context.Context, id proto.UserID) (UserRecord, error) {
	var u UserRecord
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return UserRecord{}, ErrUserNotFound
	}
	return u, errors.WithMessage(err, "user by id")
}

func (m *Mongo) UserByName(ctx context.Context, username string) (UserRecord, error) {
	var u UserRecord
	opts := options.FindOne().SetCollation(nameCollation)
	err := m.users.FindOne(ctx, bson.M{"username": username}, opts).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return UserRecord{}, ErrUserNotFound
	}
	return u, errors.WithMessage(err, "user by name")
}

func (m *Mongo) ChangeUsername(ctx context.Context, id proto.UserID, username string) error {
	res, err := m.users.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"username": username},
		"$inc": bson.M{"profile_version": 1},
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return errors.WithMessage(err, "change username")
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *Mongo) ChangeDisplayName(ctx context.Context, id proto.UserID, displayName string) error {
	return m.updateUser(ctx, id, bson.M{
		"$set": bson.M{"display_name": displayName},
		"$inc": bson.M{"profile_version": 1},
	})
}

func (m *Mongo) ChangePassword(ctx context.Context, id proto.UserID, hash string) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"password_hash": hash}})
}

func (m *Mongo) SetBanned(ctx context.Context, id proto.UserID, banned bool) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"banned": banned}})
}

func (m *Mongo) SetLocked(ctx context.Context, id proto.UserID, locked bool) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"locked": locked}})
}

func (m *Mongo) SetCompromised(ctx context.Context, id proto.UserID, compromised bool) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"compromised": compromised}})
}

func (m *Mongo) updateUser(ctx context.Context, id proto.UserID, update bson.M) error {
	res, err := m.users.UpdateByID(ctx, id, update)
	if err != nil {
		return errors.WithMessage(err, "update user")
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *Mongo) SearchUsers(ctx context.Context, query string) ([]UserRecord, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"username": bson.M{"$regex": query, "$options": "i"}},
		bson.M{"display_name": bson.M{"$regex": query, "$options": "i"}},
	}}
	return m.findUsers(ctx, filter)
}

func (m *Mongo) ListUsers(ctx context.Context) ([]UserRecord, error) {
	return m.findUsers(ctx, bson.M{})
}

func (m *Mongo) findUsers(ctx context.Context, filter bson.M) ([]UserRecord, error) {
	cur, err := m.users.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, errors.WithMessage(err, "find users")
	}
	var out []UserRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode users")
	}
	return out, nil
}

func (m *Mongo) CreateToken(ctx context.Context, t TokenRecord) error {
	opts := options.Replace().SetUpsert(true)
	_, err := m.tokens.ReplaceOne(ctx, bson.M{"_id": t.Device}, t, opts)
	return errors.WithMessage(err, "create token")
}

func (m *Mongo) Token(ctx context.Context, device proto.DeviceID) (TokenRecord, error) {
	var t TokenRecord
	err := m.tokens.FindOne(ctx, bson.M{"_id": device}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return TokenRecord{}, ErrTokenNotFound
	}
	return t, errors.WithMessage(err, "token")
}

func (m *Mongo) RefreshToken(ctx context.Context, device proto.DeviceID) error {
	res, err := m.tokens.UpdateByID(ctx, device, bson.M{"$set": bson.M{"last_used": time.Now()}})
	if err != nil {
		return errors.WithMessage(err, "refresh token")
	}
	if res.MatchedCount == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (m *Mongo) RevokeToken(ctx context.Context, device proto.DeviceID) error {
	res, err := m.tokens.DeleteOne(ctx, bson.M{"_id": device})
	if err != nil {
		return errors.WithMessage(err, "revoke token")
	}
	if res.DeletedCount == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (m *Mongo) RevokeTokensFor(ctx context.Context, user proto.UserID) error {
	_, err := m.tokens.DeleteMany(ctx, bson.M{"user": user})
	return errors.WithMessage(err, "revoke tokens")
}

func (m *Mongo) CreateCommunity(ctx context.Context, c CommunityRecord) error {
	_, err := m.communities.InsertOne(ctx, c)
	return errors.WithMessage(err, "create community")
}

func (m *Mongo) Community(ctx context.Context, id proto.CommunityID) (CommunityRecord, error) {
	var c CommunityRecord
	err := m.communities.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return CommunityRecord{}, ErrCommunityNotFound
	}
	return c, errors.WithMessage(err, "community")
}

func (m *Mongo) ChangeCommunityName(ctx context.Context, id proto.CommunityID, name string) error {
	return m.updateCommunity(ctx, id, bson.M{"$set": bson.M{"name": name}})
}

func (m *Mongo) ChangeCommunityDescription(ctx context.Context, id proto.CommunityID, desc string) error {
	return m.updateCommunity(ctx, id, bson.M{"$set": bson.M{"description": desc}})
}

func (m *Mongo) updateCommunity(ctx context.Context, id proto.CommunityID, update bson.M) error {
	res, err := m.communities.UpdateByID(ctx, id, update)
	if err != nil {
		return errors.WithMessage(err, "update community")
	}
	if res.MatchedCount == 0 {
		return ErrCommunityNotFound
	}
	return nil
}

func (m *Mongo) DeleteCommunity(ctx context.Context, id proto.CommunityID) error {
	res, err := m.communities.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.WithMessage(err, "delete community")
	}
	if res.DeletedCount == 0 {
		return ErrCommunityNotFound
	}
	// Membership and invites go with the community. Messages stay for
	// the audit trail.
	if _, err := m.members.DeleteMany(ctx, bson.M{"community": id}); err != nil {
		return errors.WithMessage(err, "delete members")
	}
	_, err = m.invites.DeleteMany(ctx, bson.M{"community": id})
	return errors.WithMessage(err, "delete invites")
}

func (m *Mongo) ListCommunities(ctx context.Context) ([]CommunityRecord, error) {
	cur, err := m.communities.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.WithMessage(err, "list communities")
	}
	var out []CommunityRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode communities")
	}
	return out, nil
}

type memberDoc struct {
	User      proto.UserID      `bson:"user"`
	Community proto.CommunityID `bson:"community"`
	JoinedAt  time.Time         `bson:"joined_at"`
}

func (m *Mongo) AddMember(ctx context.Context, user proto.UserID, community proto.CommunityID) error {
	if _, err := m.Community(ctx, community); err != nil {
		return err
	}
	_, err := m.members.InsertOne(ctx, memberDoc{User: user, Community: community, JoinedAt: time.Now()})
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyMember
	}
	return errors.WithMessage(err, "add member")
}

func (m *Mongo) RemoveMember(ctx context.Context, user proto.UserID, community proto.CommunityID) error {
	res, err := m.members.DeleteOne(ctx, bson.M{"user": user, "community": community})
	if err != nil {
		return errors.WithMessage(err, "remove member")
	}
	if res.DeletedCount == 0 {
		return ErrNotMember
	}
	return nil
}

func (m *Mongo) IsMember(ctx context.Context, user proto.UserID, community proto.CommunityID) (bool, error) {
	n, err := m.members.CountDocuments(ctx, bson.M{"user": user, "community": community})
	return n > 0, errors.WithMessage(err, "is member")
}

func (m *Mongo) CommunitiesOf(ctx context.Context, user proto.UserID) ([]CommunityRecord, error) {
	cur, err := m.members.Find(ctx, bson.M{"user": user})
	if err != nil {
		return nil, errors.WithMessage(err, "memberships")
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.WithMessage(err, "decode memberships")
	}
	out := make([]CommunityRecord, 0, len(docs))
	for _, d := range docs {
		c, err := m.Community(ctx, d.Community)
		if err == ErrCommunityNotFound {
			continue // membership row outlived the community
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mongo) Members(ctx context.Context, community proto.CommunityID) ([]proto.UserID, error) {
	if _, err := m.Community(ctx, community); err != nil {
		return nil, err
	}
	cur, err := m.members.Find(ctx, bson.M{"community": community})
	if err != nil {
		return nil, errors.WithMessage(err, "members")
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.WithMessage(err, "decode members")
	}
	out := make([]proto.UserID, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.User)
	}
	return out, nil
}

func (m *Mongo) CreateRoom(ctx context.Context, r RoomRecord) error {
	if _, err := m.Community(ctx, r.Community); err != nil {
		return err
	}
	_, err := m.rooms.InsertOne(ctx, r)
	return errors.WithMessage(err, "create room")
}

func (m *Mongo) Room(ctx context.Context, id proto.RoomID) (RoomRecord, error) {
	var r RoomRecord
	err := m.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return RoomRecord{}, ErrRoomNotFound
	}
	return r, errors.WithMessage(err, "room")
}

func (m *Mongo) RoomsIn(ctx context.Context, community proto.CommunityID) ([]RoomRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := m.rooms.Find(ctx, bson.M{"community": community}, opts)
	if err != nil {
		return nil, errors.WithMessage(err, "rooms in community")
	}
	var out []RoomRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode rooms")
	}
	return out, nil
}

func (m *Mongo) AppendMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	if _, err := m.Room(ctx, msg.Room); err != nil {
		return MessageRecord{}, err
	}
	msg.Ordinal = ids.NextOrdinal()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if _, err := m.messages.InsertOne(ctx, msg); err != nil {
		return MessageRecord{}, errors.WithMessage(err, "append message")
	}
	return msg, nil
}

func (m *Mongo) MessageByID(ctx context.Context, id proto.MessageID) (MessageRecord, error) {
	var msg MessageRecord
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return MessageRecord{}, ErrMessageNotFound
	}
	return msg, errors.WithMessage(err, "message by id")
}

func (m *Mongo) EditMessage(ctx context.Context, id proto.MessageID, newContent string) error {
	return m.updateMessage(ctx, id, bson.M{"$set": bson.M{"content": newContent, "edited": true}})
}

func (m *Mongo) DeleteMessage(ctx context.Context, id proto.MessageID) error {
	return m.updateMessage(ctx, id, bson.M{"$set": bson.M{"deleted": true, "content": ""}})
}

func (m *Mongo) updateMessage(ctx context.Context, id proto.MessageID, update bson.M) error {
	res, err := m.messages.UpdateByID(ctx, id, update)
	if err != nil {
		return errors.WithMessage(err, "update message")
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (m *Mongo) Messages(ctx context.Context, _ proto.CommunityID, room proto.RoomID, q MessageQuery) ([]MessageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{"room": room}
	newestFirst := true
	if q.Reference != nil {
		ref, err := m.MessageByID(ctx, *q.Reference)
		if err != nil {
			return nil, err
		}
		op := map[[2]bool]string{
			{false, false}: "$lt", {false, true}: "$lte",
			{true, false}: "$gt", {true, true}: "$gte",
		}[[2]bool{q.Dir == "after", q.Inclusive}]
		filter["ordinal"] = bson.M{op: ref.Ordinal}
		newestFirst = q.Dir != "after"
	}

	sortDir := 1
	if newestFirst {
		sortDir = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "ordinal", Value: sortDir}}).
		SetLimit(int64(limit))
	cur, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.WithMessage(err, "find messages")
	}
	var out []MessageRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode messages")
	}
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (m *Mongo) NewestMessage(ctx context.Context, _ proto.CommunityID, room proto.RoomID) (*proto.MessageID, error) {
	var msg MessageRecord
	opts := options.FindOne().SetSort(bson.D{{Key: "ordinal", Value: -1}})
	err := m.messages.FindOne(ctx, bson.M{"room": room}, opts).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "newest message")
	}
	id := msg.ID
	return &id, nil
}

func (m *Mongo) RoomStates(ctx context.Context, user proto.UserID, community proto.CommunityID) ([]RoomState, error) {
	cur, err := m.roomStates.Find(ctx, bson.M{"user": user, "community": community})
	if err != nil {
		return nil, errors.WithMessage(err, "room states")
	}
	var out []RoomState
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode room states")
	}
	return out, nil
}

func (m *Mongo) SetWatchLevel(ctx context.Context, user proto.UserID, room proto.RoomID, level proto.WatchLevel) error {
	return m.updateRoomState(ctx, user, room, bson.M{"$set": bson.M{"watch_level": level}})
}

func (m *Mongo) SetRoomUnread(ctx context.Context, user proto.UserID, room proto.RoomID, unread bool) error {
	return m.updateRoomState(ctx, user, room, bson.M{"$set": bson.M{"unread": unread}})
}

func (m *Mongo) SetRoomRead(ctx context.Context, user proto.UserID, room proto.RoomID, lastRead proto.MessageID) error {
	return m.updateRoomState(ctx, user, room, bson.M{"$set": bson.M{"unread": false, "last_read": lastRead}})
}

func (m *Mongo) updateRoomState(ctx context.Context, user proto.UserID, room proto.RoomID, update bson.M) error {
	res, err := m.roomStates.UpdateOne(ctx, bson.M{"user": user, "room": room}, update)
	if err != nil {
		return errors.WithMessage(err, "update room state")
	}
	if res.MatchedCount == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (m *Mongo) SetRoomUnreadAll(ctx context.Context, room proto.RoomID, except []proto.UserID) error {
	filter := bson.M{"room": room, "unread": false}
	if len(except) > 0 {
		filter["user"] = bson.M{"$nin": except}
	}
	_, err := m.roomStates.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"unread": true}})
	return errors.WithMessage(err, "mark room unread")
}

func (m *Mongo) InitRoomState(ctx context.Context, s RoomState) error {
	opts := options.Update().SetUpsert(true)
	_, err := m.roomStates.UpdateOne(ctx,
		bson.M{"user": s.User, "room": s.Room},
		bson.M{"$setOnInsert": s},
		opts)
	return errors.WithMessage(err, "init room state")
}

func (m *Mongo) CreateInvite(ctx context.Context, inv InviteRecord, maxPerCommunity int) error {
	if _, err := m.Community(ctx, inv.Community); err != nil {
		return err
	}
	if maxPerCommunity > 0 {
		n, err := m.invites.CountDocuments(ctx, bson.M{"community": inv.Community})
		if err != nil {
			return errors.WithMessage(err, "count invites")
		}
		if n >= int64(maxPerCommunity) {
			return ErrTooManyInvites
		}
	}
	_, err := m.invites.InsertOne(ctx, inv)
	return errors.WithMessage(err, "create invite")
}

func (m *Mongo) CommunityByInvite(ctx context.Context, code proto.InviteCode) (proto.CommunityID, error) {
	var inv InviteRecord
	err := m.invites.FindOne(ctx, bson.M{"_id": code}).Decode(&inv)
	if err == mongo.ErrNoDocuments {
		return proto.NilID, ErrInviteNotFound
	}
	if err != nil {
		return proto.NilID, errors.WithMessage(err, "invite")
	}
	if inv.ExpiresAt != nil && time.Now().After(*inv.ExpiresAt) {
		return proto.NilID, ErrInviteNotFound
	}
	return inv.Community, nil
}

type adminDoc struct {
	User  proto.UserID               `bson:"_id"`
	Flags proto.AdminPermissionFlags `bson:"flags"`
}

func (m *Mongo) AdminPermissions(ctx context.Context, user proto.UserID) (proto.AdminPermissionFlags, error) {
	var doc adminDoc
	err := m.admins.FindOne(ctx, bson.M{"_id": user}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	return doc.Flags, errors.WithMessage(err, "admin permissions")
}

func (m *Mongo) SetAdminPermissions(ctx context.Context, user proto.UserID, flags proto.AdminPermissionFlags) error {
	if flags == 0 {
		_, err := m.admins.DeleteOne(ctx, bson.M{"_id": user})
		return errors.WithMessage(err, "clear admin permissions")
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.admins.ReplaceOne(ctx, bson.M{"_id": user}, adminDoc{User: user, Flags: flags}, opts)
	return errors.WithMessage(err, "set admin permissions")
}

func (m *Mongo) ListAdmins(ctx context.Context) ([]UserRecord, error) {
	cur, err := m.admins.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.WithMessage(err, "list admins")
	}
	var docs []adminDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.WithMessage(err, "decode admins")
	}
	var out []UserRecord
	for _, d := range docs {
		u, err := m.UserByID(ctx, d.User)
		if err == ErrUserNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (m *Mongo) FileReport(ctx context.Context, r ReportRecord) (int64, error) {
	id, err := m.nextCounter(ctx, "reports")
	if err != nil {
		return 0, err
	}
	r.ID = id
	if r.FiledAt.IsZero() {
		r.FiledAt = time.Now()
	}
	if _, err := m.reports.InsertOne(ctx, r); err != nil {
		return 0, errors.WithMessage(err, "file report")
	}
	return id, nil
}

func (m *Mongo) nextCounter(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": 1}},
		opts).Decode(&doc)
	if err != nil {
		return 0, errors.WithMessage(err, "counter")
	}
	return doc.Value, nil
}

func (m *Mongo) ListReports(ctx context.Context) ([]ReportRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := m.reports.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.WithMessage(err, "list reports")
	}
	var out []ReportRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithMessage(err, "decode reports")
	}
	return out, nil
}

func (m *Mongo) SetReportStatus(ctx context.Context, id int64, status proto.ReportStatus) error {
	res, err := m.reports.UpdateByID(ctx, id, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return errors.WithMessage(err, "set report status")
	}
	if res.MatchedCount == 0 {
		return ErrReportNotFound
	}
	return nil
}
